package chunks

import "strings"

// Prompt is the fixed three-part structure every text chunk sends to an LLM.
type Prompt struct {
	Task    string `json:"task"`
	Context string `json:"context"`
	Input   string `json:"input"`
}

func (p Prompt) String() string {
	var sb strings.Builder
	sb.Grow(len(p.Task) + len(p.Context) + len(p.Input) + 32)
	sb.WriteString("Task:\n")
	sb.WriteString(p.Task)
	sb.WriteString("\n\nContext:\n")
	sb.WriteString(p.Context)
	sb.WriteString("\n\nPrompt:\n")
	sb.WriteString(p.Input)
	return sb.String()
}

// ParsePrompt splits a rendered prompt back into its sections. It reports
// false when the text does not follow the structure.
func ParsePrompt(s string) (Prompt, bool) {
	if !strings.HasPrefix(s, "Task:\n") {
		return Prompt{}, false
	}
	rest := strings.TrimPrefix(s, "Task:\n")
	ci := strings.Index(rest, "\n\nContext:\n")
	if ci < 0 {
		return Prompt{}, false
	}
	task := rest[:ci]
	rest = rest[ci+len("\n\nContext:\n"):]
	pi := strings.LastIndex(rest, "\n\nPrompt:\n")
	if pi < 0 {
		return Prompt{}, false
	}
	return Prompt{Task: task, Context: rest[:pi], Input: rest[pi+len("\n\nPrompt:\n"):]}, true
}
