// Package balance picks the "main" account out of a set of linked bank
// accounts. Banks expose savings pots and vaults as sibling accounts, so the
// headline balance shown to the user has to skip those and land on the
// current account.
package balance

import (
	"regexp"
	"sort"
)

var (
	potNameRe  = regexp.MustCompile(`(?i)pot|savings?|vault|jar`)
	mainNameRe = regexp.MustCompile(`(?i)current|personal|main`)
)

// Candidate is an account considered for main-account selection. Both the
// live provider response and the locally cached rows are mapped into this
// shape so the two balance paths share one selection routine.
type Candidate struct {
	ProviderAccountID string
	Name              string
	Currency          string
	Balance           float64
	Available         float64
	CreatedAt         string
}

// SelectMain returns the main account for a balance response, or nil when
// the slice is empty. The choice is pure and deterministic: candidates are
// ordered by created-at then provider account id before the name heuristic
// runs, so the same set selects the same account regardless of input order.
func SelectMain(candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].ProviderAccountID < sorted[j].ProviderAccountID
	})

	for i := range sorted {
		if !potNameRe.MatchString(sorted[i].Name) {
			return &sorted[i]
		}
	}
	for i := range sorted {
		if mainNameRe.MatchString(sorted[i].Name) {
			return &sorted[i]
		}
	}
	return &sorted[0]
}
