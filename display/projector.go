// Package display projects hub envelopes onto the short conversational
// lines an operator wants to read, hiding protocol telemetry.
package display

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ignoredMethods are JSON-RPC notifications that never carry conversation.
var ignoredMethods = map[string]bool{
	"thread/started": true,
	"thread/updated": true,
	"turn/started":   true,
	"token_count":    true,
}

// Line is one displayable message.
type Line struct {
	From string
	Text string
}

// rule inspects a payload object. decided reports that the rule owns the
// payload; text is then the result, where "" means hidden.
type rule func(obj map[string]any) (text string, decided bool)

// rules are applied in priority order.
var rules = []rule{
	suppressIgnored,
	errorRule,
	codexEventRule,
	messageRule,
	resultRule,
	paramsRule,
	plainRule,
}

// Project returns the display line for an envelope, or false when it is
// telemetry.
func Project(from string, payload json.RawMessage) (Line, bool) {
	if from == "" || len(payload) == 0 {
		return Line{}, false
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return Line{}, false
	}
	text := Text(v)
	if text == "" {
		return Line{}, false
	}
	return Line{From: from, Text: text}, true
}

// Text extracts conversational text from a decoded payload. Whitespace-only
// text counts as no text.
func Text(payload any) string {
	if s, ok := payload.(string); ok {
		return normalize(s)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	for _, r := range rules {
		if text, decided := r(obj); decided {
			return normalize(text)
		}
	}
	return ""
}

func normalize(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func suppressIgnored(obj map[string]any) (string, bool) {
	if m, ok := obj["method"].(string); ok && ignoredMethods[m] {
		return "", true
	}
	return "", false
}

// errorRule renders "<error> (target=X, reason, exit=N, timedOut)".
func errorRule(obj map[string]any) (string, bool) {
	msg, ok := obj["error"].(string)
	if !ok {
		return "", false
	}
	var details []string
	if target, ok := obj["target"].(string); ok {
		details = append(details, "target="+target)
	}
	if reason, ok := obj["reason"].(string); ok {
		details = append(details, reason)
	}
	if code, ok := obj["exitCode"].(float64); ok {
		details = append(details, "exit="+formatNumber(code))
	}
	if timedOut, ok := obj["timedOut"].(bool); ok && timedOut {
		details = append(details, "timedOut")
	}
	if len(details) == 0 {
		return msg, true
	}
	return fmt.Sprintf("%s (%s)", msg, strings.Join(details, ", ")), true
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func codexEventRule(obj map[string]any) (string, bool) {
	method, _ := obj["method"].(string)
	if !strings.HasPrefix(method, "codex/event/") {
		return "", false
	}
	params := asObject(obj["params"])
	if params == nil {
		return "", false
	}
	msg := firstObject(params, "msg", "event", "message")
	if msg == nil {
		return "", false
	}
	eventType, _ := msg["type"].(string)

	var text string
	switch {
	case method == "codex/event/agent_message" || eventType == "agent_message":
		if s, ok := msg["message"].(string); ok {
			text = s
		} else {
			text = itemText(msg["item"])
		}
	case method == "codex/event/item_completed" || eventType == "item_completed":
		text = itemText(msg["item"])
	case method == "codex/event/task_complete" || eventType == "task_complete" || eventType == "turn_complete":
		text, _ = msg["last_agent_message"].(string)
	}
	if normalize(text) == "" {
		return "", false
	}
	return text, true
}

func messageRule(obj map[string]any) (string, bool) {
	if s, ok := obj["message"].(string); ok {
		return s, true
	}
	msg := asObject(obj["message"])
	if msg == nil {
		return "", false
	}
	if text := contentText(msg["content"]); normalize(text) != "" {
		return text, true
	}
	if s, ok := msg["message"].(string); ok {
		return s, true
	}
	return "", false
}

func resultRule(obj map[string]any) (string, bool) {
	if s, ok := obj["result"].(string); ok {
		return s, true
	}
	result := asObject(obj["result"])
	if result == nil {
		return "", false
	}
	if s, ok := result["output_text"].(string); ok && normalize(s) != "" {
		return s, true
	}
	if text := turnText(result["turn"]); normalize(text) != "" {
		return text, true
	}
	if text := contentText(result["content"]); normalize(text) != "" {
		return text, true
	}
	return "", false
}

func paramsRule(obj map[string]any) (string, bool) {
	params := asObject(obj["params"])
	if params == nil {
		return "", false
	}
	if text := itemText(params["item"]); normalize(text) != "" {
		return text, true
	}
	if text := turnText(params["turn"]); normalize(text) != "" {
		return text, true
	}
	if text := eventText(params["event"]); normalize(text) != "" {
		return text, true
	}
	return "", false
}

func plainRule(obj map[string]any) (string, bool) {
	if s, ok := obj["text"].(string); ok {
		return s, true
	}
	if s, ok := obj["output_text"].(string); ok {
		return s, true
	}
	return contentText(obj["content"]), true
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func firstObject(obj map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if m := asObject(obj[k]); m != nil {
			return m
		}
	}
	return nil
}

// contentText concatenates string parts and the text or output_text of
// object parts.
func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, part := range c {
			switch p := part.(type) {
			case string:
				sb.WriteString(p)
			case map[string]any:
				if s, ok := p["text"].(string); ok {
					sb.WriteString(s)
				} else if s, ok := p["output_text"].(string); ok {
					sb.WriteString(s)
				}
			}
		}
		return sb.String()
	}
	return ""
}

// normalizeType lowercases and strips non-letters: "agent_message" and
// "agentMessage" both become "agentmessage".
func normalizeType(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// itemText returns text only for assistant-authored items.
func itemText(v any) string {
	item := asObject(v)
	if item == nil {
		return ""
	}
	role, _ := item["role"].(string)
	if strings.ToLower(role) != "assistant" && normalizeType(item["type"]) != "agentmessage" {
		return ""
	}
	if text := contentText(item["content"]); text != "" {
		return text
	}
	for _, k := range []string{"text", "message", "output_text"} {
		if s, ok := item[k].(string); ok {
			return s
		}
	}
	return ""
}

func turnText(v any) string {
	turn := asObject(v)
	if turn == nil {
		return ""
	}
	var sb strings.Builder
	for _, key := range []string{"output", "items"} {
		if list, ok := turn[key].([]any); ok {
			for _, it := range list {
				sb.WriteString(itemText(it))
			}
		}
	}
	return sb.String()
}

func eventText(v any) string {
	ev := asObject(v)
	if ev == nil {
		return ""
	}
	for _, k := range []string{"text", "message", "output_text", "last_agent_message"} {
		if s, ok := ev[k].(string); ok {
			return s
		}
	}
	if item := asObject(ev["item"]); item != nil {
		return itemText(item)
	}
	return contentText(ev["content"])
}
