package events

import "strings"

// ProcessingResult is the aggregated outcome of dispatching one event to all
// of its handlers.
type ProcessingResult string

const (
	ResultOK              ProcessingResult = "OK"
	ResultFailed          ProcessingResult = "FAILED"
	ResultFailedPartially ProcessingResult = "FAILED_PARTIALLY"
)

// ResultOf aggregates handler outcomes. An event without handlers is OK.
func ResultOf(outcomes []bool) ProcessingResult {
	if len(outcomes) == 0 {
		return ResultOK
	}
	succeeded := 0
	for _, ok := range outcomes {
		if ok {
			succeeded++
		}
	}
	switch succeeded {
	case len(outcomes):
		return ResultOK
	case 0:
		return ResultFailed
	default:
		return ResultFailedPartially
	}
}

// Valid reports whether r is one of the known results.
func (r ProcessingResult) Valid() bool {
	switch r {
	case ResultOK, ResultFailed, ResultFailedPartially:
		return true
	}
	return false
}

// Failed reports FAILED and FAILED_PARTIALLY.
func (r ProcessingResult) Failed() bool {
	return r == ResultFailed || r == ResultFailedPartially
}

// ParseResult parses a persisted result, the empty string maps to "".
func ParseResult(raw string) (ProcessingResult, bool) {
	r := ProcessingResult(strings.ToUpper(strings.TrimSpace(raw)))
	if r == "" {
		return "", true
	}
	return r, r.Valid()
}
