package executor

import (
	"fmt"
	"strings"

	"github.com/alekspetrov/warden/internal/store"
)

// PromptProvider assembles an agent's system prompt from its documents.
// A nil agent selects the generic prompt.
type PromptProvider interface {
	SystemPrompt(agent *store.Agent) string
}

// staticPrompt is used when no provider is configured.
type staticPrompt string

func (p staticPrompt) SystemPrompt(*store.Agent) string { return string(p) }

const outputInstructions = `## Output Format
- Return your result in markdown
- Start with a short "Result" section that summarises the outcome
- Be specific and actionable`

// BuildTaskPrompt constructs the user prompt for executor and escalate blocks.
func BuildTaskPrompt(t *store.Task) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Task: %s\n\n", t.Title))
	if desc := strings.TrimSpace(t.Description); desc != "" {
		sb.WriteString(desc)
		sb.WriteString("\n\n")
	}
	sb.WriteString(outputInstructions)
	sb.WriteString("\n")
	return sb.String()
}

// BuildRetryPrompt is the task prompt with reviewer notes appended as feedback.
func BuildRetryPrompt(t *store.Task, notes string) string {
	prompt := BuildTaskPrompt(t)
	if strings.TrimSpace(notes) == "" {
		return prompt
	}
	return prompt + "\n## Reviewer Feedback\n\nA previous attempt was reviewed. Address every point below.\n\n" +
		strings.TrimSpace(notes) + "\n"
}

// BuildReviewPrompt asks the reviewer to judge output produced for a task.
func BuildReviewPrompt(title, output string) string {
	var sb strings.Builder
	sb.WriteString("You are reviewing work produced for a task.\n\n")
	sb.WriteString(fmt.Sprintf("## Original Task\n\n%s\n\n", title))
	sb.WriteString("## Output Under Review\n\n")
	sb.WriteString(output)
	sb.WriteString("\n\n## Instructions\n\n")
	sb.WriteString("Check correctness, completeness and risks. List concrete problems and fixes.\n")
	sb.WriteString("Finish with a single line: `VERDICT: PASS` or `VERDICT: FAIL`.\n")
	return sb.String()
}
