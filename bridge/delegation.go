package bridge

import (
	"regexp"
	"strings"
)

var delegationLine = regexp.MustCompile(`^@(\w+)\s+(.+)$`)

// Delegation is an "@<agent> <task>" line found in agent output.
type Delegation struct {
	To   string
	Task string
}

// ExtractDelegation scans text line by line and returns the first line of
// the form "@<agent> <task>" with a non-empty task.
func ExtractDelegation(text string) (Delegation, bool) {
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		m := delegationLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		task := strings.TrimSpace(m[2])
		if task == "" {
			continue
		}
		return Delegation{To: m[1], Task: task}, true
	}
	return Delegation{}, false
}
