package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/proactiva-us/pipeliner/internal/db"
)

// scratchPromptFile is where the task prompt is written inside the sandbox
// for the duration of the agent run. It is removed before change detection
// so it never reaches a commit.
const scratchPromptFile = ".pipeliner_prompt.md"

// BuildPrompt renders the agent prompt for a task: title, files,
// implementation text, verification commands, and the fixed trailing
// instructions.
func BuildPrompt(t *db.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n\n", t.TaskNumber, t.Title)

	b.WriteString("## Files to modify\n")
	for _, f := range t.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	b.WriteString("\n## Implementation\n")
	b.WriteString(t.Implementation)
	b.WriteString("\n\n## Verification\nAfter completing, run these commands to verify:\n")
	for _, step := range t.Verification {
		fmt.Fprintf(&b, "- %s\n", step)
	}

	b.WriteString("\n## Instructions\n")
	b.WriteString("1. Implement the changes described above\n")
	b.WriteString("2. Ensure all tests pass\n")
	b.WriteString("3. Follow existing code patterns\n")
	b.WriteString("4. Do not modify unrelated files\n")
	return b.String()
}

// BuildFixPrompt renders a follow-up prompt for a task whose change request
// came back with requested changes. The reviewer comments are appended so
// the agent addresses them directly.
func BuildFixPrompt(t *db.Task, reviews []db.Review) string {
	var b strings.Builder
	b.WriteString(BuildPrompt(t))

	b.WriteString("\n## Reviewer feedback\n")
	fmt.Fprintf(&b, "Round %d of review feedback on the open change request. ", t.ReviewRounds)
	b.WriteString("Address every comment below, then re-verify:\n\n")
	for _, r := range reviews {
		body := strings.TrimSpace(r.Body)
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", r.State, r.Reviewer, body)
	}
	return b.String()
}

// writeScratchPrompt stores the prompt in the sandbox and returns a cleanup
// function. A write failure is not fatal to the task.
func writeScratchPrompt(dir, prompt string) func() {
	path := filepath.Join(dir, scratchPromptFile)
	if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
		return func() {}
	}
	return func() { os.Remove(path) }
}

// commitMessage builds the deterministic commit message for a task.
func commitMessage(t *db.Task) string {
	return fmt.Sprintf("feat(pipeline): %s\n\nTask %s from autonomous pipeline execution.",
		t.Title, t.TaskNumber)
}

// prBody enumerates the task's touched files for the change request
// description.
func prBody(t *db.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task %s: %s\n\n", t.TaskNumber, t.Title)
	fmt.Fprintf(&b, "**Batch:** %d\n\n", t.BatchNumber)
	b.WriteString("### Files Changed\n")
	if len(t.Files) == 0 {
		b.WriteString("- See diff\n")
	}
	for _, f := range t.Files {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	b.WriteString("\n---\n\nAutomated change from the pipeline execution engine.\n")
	return b.String()
}
