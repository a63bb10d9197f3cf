package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Task represents a single task parsed from a plan.
type Task struct {
	Number            string   // "1.1", "1.2", "2.3a"
	Title             string
	BatchNumber       int
	Files             []string
	Implementation    string // full task body, preserved verbatim for the agent prompt
	VerificationSteps []string
	DependsOn         []string // task numbers
}

// Batch represents a batch of tasks parsed from a plan.
type Batch struct {
	Number        int
	Title         string
	ExecutionMode string
	Dependencies  []int // batch numbers that must complete first
	Tasks         []Task
	Description   string
}

// TaskCount returns the total number of tasks across all batches.
func TaskCount(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Tasks)
	}
	return n
}

var segmentRe = regexp.MustCompile(`^(\d+)([a-z]?)`)

// sortSegment is one dot-separated piece of a task number, split into its
// leading integer and trailing alpha suffix.
type sortSegment struct {
	num    int
	suffix string
}

func sortKey(taskNum string) []sortSegment {
	parts := strings.Split(taskNum, ".")
	key := make([]sortSegment, 0, len(parts))
	for _, part := range parts {
		m := segmentRe.FindStringSubmatch(part)
		if m == nil {
			key = append(key, sortSegment{num: 0, suffix: part})
			continue
		}
		n, _ := strconv.Atoi(m[1])
		key = append(key, sortSegment{num: n, suffix: m[2]})
	}
	return key
}

// LessTaskNumber compares task numbers segment by segment: split on ".",
// compare (leading integer, trailing alpha) per segment. "1.2" < "1.10".
func LessTaskNumber(a, b string) bool {
	ka, kb := sortKey(a), sortKey(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if ka[i].num != kb[i].num {
			return ka[i].num < kb[i].num
		}
		if ka[i].suffix != kb[i].suffix {
			return ka[i].suffix < kb[i].suffix
		}
	}
	return len(ka) < len(kb)
}

// TaskSortKey renders a task number as a fixed-width string whose
// lexicographic order matches LessTaskNumber. Used as the database sort
// column so SQL ORDER BY agrees with in-memory ordering.
func TaskSortKey(taskNum string) string {
	segs := sortKey(taskNum)
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = fmt.Sprintf("%06d%s", s.num, s.suffix)
	}
	return strings.Join(parts, ".")
}
