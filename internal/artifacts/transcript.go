package artifacts

import (
	"encoding/json"
	"fmt"
	"strings"
)

type transcriptEntry struct {
	Step struct {
		Device string `json:"device"`
		Text   string `json:"text"`
	} `json:"step"`
	Resp struct {
		Content string `json:"content"`
		Prompt  string `json:"prompt"`
	} `json:"resp"`
}

// FormatTranscript groups runner transcript entries by device into readable
// "<device>_transcript.txt" documents. The runner records the prompt shown
// after each command, so each command is printed behind the prompt of the
// entry before it; the first uses "<device>#".
func FormatTranscript(data []byte) (map[string]string, error) {
	var entries []transcriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}

	lines := make(map[string][]string)
	prompts := make(map[string]string)
	for _, e := range entries {
		device := e.Step.Device
		if device == "" {
			device = "unknown"
		}
		prompt, seen := prompts[device]
		if !seen {
			prompt = device + "#"
		}
		lines[device] = append(lines[device], prompt+e.Step.Text)
		if e.Resp.Content != "" {
			lines[device] = append(lines[device], e.Resp.Content)
		}
		prompts[device] = e.Resp.Prompt
	}

	out := make(map[string]string, len(lines))
	for device, ls := range lines {
		out[device+"_transcript.txt"] = strings.Join(ls, "\n")
	}
	return out, nil
}
