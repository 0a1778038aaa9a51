package stage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

// ExtractJSON returns the first JSON object in text. A ```json fenced block
// wins, then any fenced block, then the outermost brace pair. It returns ""
// when nothing that looks like an object is present.
func ExtractJSON(text string) string {
	for _, open := range []string{"```json", "```"} {
		start := strings.Index(text, open)
		if start < 0 {
			continue
		}
		body := text[start+len(open):]
		end := strings.Index(body, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(body[:end])
		if strings.HasPrefix(candidate, "{") {
			return candidate
		}
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// requirementKeys must all be present for a reply to count as requirements.
var requirementKeys = []string{"title", "objectives", "constraints", "level", "prerequisites"}

// ParseRequirements looks for a complete requirements object in text.
func ParseRequirements(text string) (*pipeline.Requirements, error) {
	raw := ExtractJSON(text)
	if raw == "" {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, nil // prose that happens to contain braces
	}
	for _, k := range requirementKeys {
		if _, ok := fields[k]; !ok {
			return nil, nil
		}
	}

	var req pipeline.Requirements
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decode requirements: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseTurn turns raw planner output into a TurnResult. Invalid requirement
// objects are treated as ordinary replies so the conversation can continue.
func ParseTurn(text string) *TurnResult {
	text = strings.TrimSpace(text)
	req, err := ParseRequirements(text)
	if err != nil || req == nil {
		return &TurnResult{Reply: text}
	}
	reply := strings.TrimSpace(strings.Replace(text, ExtractJSON(text), "", 1))
	reply = strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(reply))
	if reply == "" {
		reply = fmt.Sprintf("Requirements captured for %q. Starting lab generation.", req.Title)
	}
	return &TurnResult{Reply: reply, Requirements: req}
}
