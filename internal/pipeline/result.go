package pipeline

import "strings"

// Result is a run or stage outcome. Results are ordered by severity:
// success < unstable < failure < aborted. A run's final result is the worst
// result contributed by any stage or publishing step.
type Result string

const (
	ResultSuccess  Result = "success"
	ResultUnstable Result = "unstable"
	ResultFailure  Result = "failure"
	ResultAborted  Result = "aborted"
)

var severity = map[Result]int{
	ResultSuccess:  0,
	ResultUnstable: 1,
	ResultFailure:  2,
	ResultAborted:  3,
}

// WorseOf returns the more severe of two results.
func WorseOf(a, b Result) Result {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Valid reports whether the result is one of the known values.
func (r Result) Valid() bool {
	_, ok := severity[r]
	return ok
}

func (r Result) String() string { return string(r) }

// Display returns the conventional uppercase form used in notifications
// (SUCCESS, UNSTABLE, FAILURE, ABORTED).
func (r Result) Display() string { return strings.ToUpper(string(r)) }
