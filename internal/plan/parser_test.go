package plan

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

const samplePlan = `# Implementation Plan

## Batch 1: Foundations
**Execution Mode:** local
**Dependencies:** none

Shared types and helpers.

### Task 1.1: Add config types
**Files:**
- Create: internal/config/config.go
- Modify: cmd/app/main.go
**Implementation:**
Define the Config struct with defaults.
**Verification:**
- go build ./...
- go test ./internal/config/...

### Task 1.2: Add error codes
**File:** ` + "`internal/errs/errs.go`" + `
**Implementation:**
Add typed error codes.

## Batch 2: Storage
**Execution Mode:** ` + "`worktree`" + `
**Dependencies:** Batch 1

### Task 2.1: Schema migration
**Depends on:** Task 1.1
**Files:**
- internal/db/schema/001.sql
**Implementation:**
Write the initial schema.
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func parsePlan(t *testing.T, content string) []Batch {
	t.Helper()
	p, err := NewParser(writePlan(t, content), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	batches, err := p.Parse()
	require.NoError(t, err)
	return batches
}

func TestParseFullPlan(t *testing.T) {
	batches := parsePlan(t, samplePlan)
	require.Len(t, batches, 2)

	b1 := batches[0]
	assert.Equal(t, 1, b1.Number)
	assert.Equal(t, "Foundations", b1.Title)
	assert.Equal(t, "local", b1.ExecutionMode)
	assert.Empty(t, b1.Dependencies)
	assert.Contains(t, b1.Description, "Shared types and helpers.")
	require.Len(t, b1.Tasks, 2)

	t11 := b1.Tasks[0]
	assert.Equal(t, "1.1", t11.Number)
	assert.Equal(t, "Add config types", t11.Title)
	assert.Equal(t, 1, t11.BatchNumber)
	assert.Equal(t, []string{"internal/config/config.go", "cmd/app/main.go"}, t11.Files)
	assert.Contains(t, t11.Implementation, "Define the Config struct")
	assert.Equal(t, []string{"go build ./...", "go test ./internal/config/..."}, t11.VerificationSteps)

	t12 := b1.Tasks[1]
	assert.Equal(t, []string{"internal/errs/errs.go"}, t12.Files)
	assert.Equal(t, defaultVerification, t12.VerificationSteps)

	b2 := batches[1]
	assert.Equal(t, "worktree", b2.ExecutionMode)
	assert.Equal(t, []int{1}, b2.Dependencies)
	require.Len(t, b2.Tasks, 1)
	assert.Equal(t, []string{"1.1"}, b2.Tasks[0].DependsOn)
	assert.Equal(t, []string{"internal/db/schema/001.sql"}, b2.Tasks[0].Files)
}

func TestParseIsDeterministic(t *testing.T) {
	a := parsePlan(t, samplePlan)
	b := parsePlan(t, samplePlan)
	assert.Equal(t, a, b)
}

func TestParseMissingFile(t *testing.T) {
	_, err := NewParser(filepath.Join(t.TempDir(), "missing.md"), nil)
	require.Error(t, err)
	assert.Equal(t, taskerr.CodePlanNotFound, taskerr.CodeOf(err))
}

func TestParseEmptyPlan(t *testing.T) {
	p, err := NewParser(writePlan(t, "# Nothing here\n\nJust prose.\n"), nil)
	require.NoError(t, err)
	_, err = p.Parse()
	require.Error(t, err)
	assert.Equal(t, taskerr.CodePlanEmpty, taskerr.CodeOf(err))
}

func TestMalformedTaskDropped(t *testing.T) {
	plan := `## Batch 1: Mixed
**Execution Mode:** local

### Task 1.1: Good task
**Implementation:**
Do the thing.

### Task 1.2: No implementation section
Just some text without the marker.
`
	batches := parsePlan(t, plan)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Tasks, 1)
	assert.Equal(t, "1.1", batches[0].Tasks[0].Number)
}

func TestTasksSortedWithinBatch(t *testing.T) {
	plan := `## Batch 1: Out of order

### Task 1.10: Tenth
**Implementation:**
x

### Task 1.2: Second
**Implementation:**
x

### Task 1.9: Ninth
**Implementation:**
x
`
	batches := parsePlan(t, plan)
	nums := make([]string, 0, 3)
	for _, task := range batches[0].Tasks {
		nums = append(nums, task.Number)
	}
	assert.Equal(t, []string{"1.2", "1.9", "1.10"}, nums)
}

func TestBatchDependenciesNone(t *testing.T) {
	plan := `## Batch 3: Standalone
**Dependencies:** None

### Task 3.1: Only task
**Implementation:**
x
`
	batches := parsePlan(t, plan)
	assert.Empty(t, batches[0].Dependencies)
	assert.Equal(t, 3, batches[0].Number)
}

func TestBatchMultipleDependencies(t *testing.T) {
	plan := `## Batch 4: Merge point
**Dependencies:** Batch 1, Batch 2, Batch 3

### Task 4.1: Join
**Implementation:**
x
`
	batches := parsePlan(t, plan)
	assert.Equal(t, []int{1, 2, 3}, batches[0].Dependencies)
}
