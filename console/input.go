package console

import (
	"regexp"
	"strings"
)

// InputKind classifies one operator line.
type InputKind int

const (
	InputEmpty InputKind = iota
	InputExit
	InputStatus
	InputSend
	InputInvalid
)

const invalidRouteText = `Invalid format. Use "@agent message".`

var explicitRoute = regexp.MustCompile(`^@(\w+)\s+([\s\S]*)$`)

// Input is a parsed operator line. Target and Payload are set for InputSend.
type Input struct {
	Kind    InputKind
	Target  string
	Payload string
}

// ParseInput interprets line. Plain text goes to main unchanged, including
// surrounding whitespace; "@agent task" routes explicitly.
func ParseInput(line, main string) Input {
	trimmed := strings.TrimSpace(line)
	switch trimmed {
	case "":
		return Input{Kind: InputEmpty}
	case "exit", "quit":
		return Input{Kind: InputExit}
	case "/status":
		return Input{Kind: InputStatus}
	}

	if m := explicitRoute.FindStringSubmatch(line); m != nil {
		if strings.TrimSpace(m[2]) == "" {
			return Input{Kind: InputInvalid}
		}
		return Input{Kind: InputSend, Target: m[1], Payload: m[2]}
	}
	if strings.HasPrefix(trimmed, "@") {
		return Input{Kind: InputInvalid}
	}
	return Input{Kind: InputSend, Target: main, Payload: line}
}
