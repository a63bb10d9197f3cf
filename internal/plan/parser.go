// Package plan parses structured markdown implementation plans.
//
// Supported format:
//
//	## Batch N: Title
//	**Execution Mode:** local
//	**Dependencies:** Batch 1, Batch 2
//
//	### Task N.M: Task Title
//	**Files:**
//	- Create: path/to/file.go
//	**Implementation:**
//	...instructions...
//	**Verification:**
//	- go build ./...
package plan

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/proactiva-us/pipeliner/internal/taskerr"
)

var (
	batchHeaderRe = regexp.MustCompile(`(?m)^#{2,3} Batch (\d+(?:\.\d+)?):[ \t]*(.+)$`)
	taskHeaderRe  = regexp.MustCompile(`(?m)^#{3,4} Task ([\d.a-z]+):[ \t]*(.+)$`)

	execModeRe    = regexp.MustCompile(`(?i)\*\*Execution Mode:\*\*\s*` + "`?" + `(\w+)` + "`?")
	dependsLineRe = regexp.MustCompile(`(?i)\*\*Dependencies:\*\*\s*(.+)`)
	batchNumRe    = regexp.MustCompile(`(?i)batch\s+(\d+)`)
	inlineFileRe  = regexp.MustCompile(`\*\*File:\*\*\s*` + "`?" + `([^` + "`" + `\n]+)` + "`?")
	fileVerbRe    = regexp.MustCompile(`-\s+(?:Create|Modify|Update):\s*` + "`?" + `([^` + "`" + `\n]+)` + "`?")
	fileBareRe    = regexp.MustCompile(`-\s+` + "`?" + `([^` + "`" + `\n]+)` + "`?")
	taskDepRe     = regexp.MustCompile(`(?i)\*\*Depends on:\*\*\s*Task\s+([\d.]+)`)
	numberedRe    = regexp.MustCompile(`^\d+\.`)
)

// defaultVerification is supplied when a task declares no verification steps.
// Advisory only: workers never run these.
var defaultVerification = []string{"go build ./...", "golangci-lint run"}

// Parser parses a plan file into batches and tasks.
type Parser struct {
	path    string
	content string
	logger  *slog.Logger
}

// NewParser creates a parser for the plan at path.
// Fails with CodePlanNotFound if the file does not exist.
func NewParser(path string, logger *slog.Logger) (*Parser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodePlanNotFound, fmt.Sprintf("plan file not found: %s", path), err)
	}
	return &Parser{path: path, content: string(data), logger: logger}, nil
}

// Parse extracts all batches and their tasks from the plan.
// Parsing the same content twice yields identical output.
func (p *Parser) Parse() ([]Batch, error) {
	headers := batchHeaderRe.FindAllStringSubmatchIndex(p.content, -1)
	if len(headers) == 0 {
		return nil, taskerr.Newf(taskerr.CodePlanEmpty, "no batches found in plan %s", p.path)
	}

	batches := make([]Batch, 0, len(headers))
	for i, loc := range headers {
		numStr := p.content[loc[2]:loc[3]]
		title := strings.TrimSpace(p.content[loc[4]:loc[5]])

		// A decimal batch number like "1.5" is tolerated but rounded down.
		batchNum, err := strconv.Atoi(strings.SplitN(numStr, ".", 2)[0])
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodePlanMalformedBatch, fmt.Sprintf("batch %q", numStr), err)
		}

		start := loc[1]
		end := len(p.content)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		body := p.content[start:end]

		batch, err := p.parseBatch(batchNum, title, body)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.CodePlanMalformedBatch, fmt.Sprintf("batch %d", batchNum), err)
		}
		batches = append(batches, batch)
	}

	p.logger.Info("plan parsed",
		"path", p.path,
		"batches", len(batches),
		"tasks", TaskCount(batches))
	return batches, nil
}

func (p *Parser) parseBatch(num int, title, body string) (Batch, error) {
	mode := "local"
	if m := execModeRe.FindStringSubmatch(body); m != nil {
		mode = m[1]
	}

	description := strings.TrimSpace(body)
	if loc := taskHeaderRe.FindStringIndex(body); loc != nil {
		description = strings.TrimSpace(body[:loc[0]])
	}

	batch := Batch{
		Number:        num,
		Title:         title,
		ExecutionMode: mode,
		Dependencies:  parseBatchDependencies(body),
		Description:   description,
	}
	batch.Tasks = p.parseTasks(num, body)
	return batch, nil
}

func parseBatchDependencies(body string) []int {
	m := dependsLineRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	line := strings.ToLower(m[1])
	if strings.Contains(line, "none") {
		return nil
	}
	var deps []int
	for _, num := range batchNumRe.FindAllStringSubmatch(line, -1) {
		n, err := strconv.Atoi(num[1])
		if err != nil {
			continue
		}
		deps = append(deps, n)
	}
	return deps
}

func (p *Parser) parseTasks(batchNum int, body string) []Task {
	headers := taskHeaderRe.FindAllStringSubmatchIndex(body, -1)

	var tasks []Task
	for i, loc := range headers {
		number := body[loc[2]:loc[3]]
		title := strings.TrimSpace(body[loc[4]:loc[5]])

		start := loc[1]
		end := len(body)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}

		task, err := parseTask(number, title, batchNum, body[start:end])
		if err != nil {
			// Task-level parse errors drop the task, not the batch.
			p.logger.Warn("dropping malformed task",
				"batch", batchNum,
				"task", number,
				"error", err)
			continue
		}
		tasks = append(tasks, task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return LessTaskNumber(tasks[i].Number, tasks[j].Number)
	})
	return tasks
}

func parseTask(number, title string, batchNum int, body string) (Task, error) {
	implementation := strings.TrimSpace(body)
	if implementation == "" {
		return Task{}, fmt.Errorf("task %s has an empty body", number)
	}
	if !strings.Contains(body, "**Implementation") {
		return Task{}, fmt.Errorf("task %s has no implementation section", number)
	}

	return Task{
		Number:            number,
		Title:             title,
		BatchNumber:       batchNum,
		Files:             parseFiles(body),
		Implementation:    implementation,
		VerificationSteps: parseVerification(body),
		DependsOn:         parseTaskDependencies(body),
	}, nil
}

func parseFiles(body string) []string {
	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path != "" && !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	inSection := false
	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, "**Files:**") || strings.Contains(line, "**Files to Create:**") {
			inSection = true
			continue
		}

		if m := inlineFileRe.FindStringSubmatch(line); m != nil {
			add(m[1])
			continue
		}

		if !inSection {
			continue
		}
		if strings.HasPrefix(line, "**") {
			inSection = false
			continue
		}
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "-") {
			continue
		}
		if m := fileVerbRe.FindStringSubmatch(line); m != nil {
			add(m[1])
		} else if m := fileBareRe.FindStringSubmatch(line); m != nil {
			if path := strings.TrimSpace(m[1]); !strings.HasPrefix(path, "*") {
				add(path)
			}
		}
	}
	return files
}

func parseVerification(body string) []string {
	var steps []string
	inSection := false
	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, "**Verification") || strings.Contains(line, "**Test") {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(line, "**") {
			break
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") || numberedRe.MatchString(trimmed) {
			step := strings.TrimLeft(trimmed, "-1234567890.")
			if step = strings.TrimSpace(step); step != "" {
				steps = append(steps, step)
			}
		}
	}

	if len(steps) == 0 {
		steps = append(steps, defaultVerification...)
	}
	return steps
}

func parseTaskDependencies(body string) []string {
	var deps []string
	for _, m := range taskDepRe.FindAllStringSubmatch(body, -1) {
		deps = append(deps, m[1])
	}
	return deps
}
