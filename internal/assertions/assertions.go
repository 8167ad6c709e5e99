// Package assertions aggregates script-recorded assertion results.
// It evaluates nothing itself; scripts produce the checks, this package
// only reduces them into counters and a pass/fail verdict.
package assertions

import "github.com/codeops/courier/internal/domain"

// Summary is the reduction of one iteration's assertion vector.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Summarize counts passed and failed assertions.
func Summarize(results []domain.AssertionResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

// IterationPassed decides an iteration's verdict: every assertion passed,
// no script failed, and the wire call itself did not fail.
func IterationPassed(results []domain.AssertionResult, scriptErr *string, executorErr string) bool {
	if scriptErr != nil || executorErr != "" {
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Merge adds b's counters into a. Used when a single request runs several
// scripts (collection, folder chain, request) whose assertions accumulate.
func Merge(a, b Summary) Summary {
	return Summary{
		Total:  a.Total + b.Total,
		Passed: a.Passed + b.Passed,
		Failed: a.Failed + b.Failed,
	}
}
