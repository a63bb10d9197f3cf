package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/proactiva-us/pipeliner/internal/db"
)

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt(sampleTask())

	assert.Contains(t, got, "# Task 1.1: Add retry to uploader")
	assert.Contains(t, got, "- internal/upload/*.go")
	assert.Contains(t, got, "Wrap the upload call in a bounded retry loop.")
	assert.Contains(t, got, "- go test ./internal/upload")
	assert.Contains(t, got, "Do not modify unrelated files")
}

func TestBuildFixPrompt(t *testing.T) {
	task := sampleTask()
	task.ReviewRounds = 2
	reviews := []db.Review{
		{Reviewer: "octocat", State: "CHANGES_REQUESTED", Body: "Handle the EOF case"},
		{Reviewer: "hubot", State: "COMMENTED", Body: ""},
	}

	got := BuildFixPrompt(task, reviews)
	assert.Contains(t, got, "# Task 1.1: Add retry to uploader")
	assert.Contains(t, got, "Reviewer feedback")
	assert.Contains(t, got, "Round 2")
	assert.Contains(t, got, "[CHANGES_REQUESTED] octocat: Handle the EOF case")
	assert.NotContains(t, got, "hubot")
}

func TestCommitMessage(t *testing.T) {
	got := commitMessage(sampleTask())
	assert.Equal(t,
		"feat(pipeline): Add retry to uploader\n\nTask 1.1 from autonomous pipeline execution.",
		got)
}

func TestPRBody(t *testing.T) {
	got := prBody(sampleTask())
	assert.Contains(t, got, "## Task 1.1: Add retry to uploader")
	assert.Contains(t, got, "**Batch:** 1")
	assert.Contains(t, got, "- `internal/upload/*.go`")

	empty := sampleTask()
	empty.Files = nil
	assert.Contains(t, prBody(empty), "- See diff")
}
