package gemini

import "strings"

const apiKeyEnv = "GEMINI_API_KEY"

// NormalizeAPIKey strips a pasted "GEMINI_API_KEY=" prefix, surrounding
// quotes and whitespace.
func NormalizeAPIKey(raw string) string {
	v := strings.TrimSpace(raw)
	if strings.HasPrefix(v, apiKeyEnv+"=") {
		v = strings.TrimSpace(strings.TrimPrefix(v, apiKeyEnv+"="))
	}
	for len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			v = strings.TrimSpace(v[1 : len(v)-1])
			continue
		}
		break
	}
	return v
}

// ResolveAPIKey reads the key from GEMINI_API_KEY only. An empty or
// whitespace value counts as unset.
func ResolveAPIKey(lookup func(string) (string, bool)) (string, bool) {
	raw, ok := lookup(apiKeyEnv)
	if !ok {
		return "", false
	}
	key := NormalizeAPIKey(raw)
	return key, key != ""
}
