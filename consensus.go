package cfddns

import (
	"errors"
	"fmt"
)

// MinQuorum is the smallest number of agreeing sources that Tally will accept.
// A single source is never trusted on its own.
const MinQuorum = 2

var ErrNoCandidates = errors.New("no IP sources returned a usable address")

// DisagreementError is returned by Tally when the most common candidate
// was reported by fewer sources than the quorum requires.
type DisagreementError struct {
	Candidates []string
	Best       Consensus
	Quorum     int
}

func (e *DisagreementError) Error() string {
	return fmt.Sprintf("IP sources did not agree: %d of %d needed for %s; got %q", e.Best.Votes, e.Quorum, e.Best.Value, e.Candidates)
}

// Consensus is the outcome of a vote over candidate addresses.
type Consensus struct {
	Value string
	Votes int
}

// Tally returns the most frequent candidate.
// When two values share the top count the one that appears first in candidates wins.
// A quorum below MinQuorum is raised to MinQuorum.
func Tally(candidates []string, quorum int) (Consensus, error) {
	if quorum < MinQuorum {
		quorum = MinQuorum
	}
	if len(candidates) == 0 {
		return Consensus{}, ErrNoCandidates
	}

	counts := make(map[string]int, len(candidates))
	var order []string
	for _, c := range candidates {
		if counts[c] == 0 {
			order = append(order, c)
		}
		counts[c]++
	}

	var best Consensus
	for _, v := range order {
		if counts[v] > best.Votes {
			best = Consensus{Value: v, Votes: counts[v]}
		}
	}

	if best.Votes < quorum {
		return Consensus{}, &DisagreementError{Candidates: candidates, Best: best, Quorum: quorum}
	}
	return best, nil
}
