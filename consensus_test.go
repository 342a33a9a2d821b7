package cfddns_test

import (
	"errors"
	"testing"

	"github.com/Travis-Britz/cfddns"
)

func TestTally(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		quorum     int
		want       cfddns.Consensus
		wantErr    bool
	}{
		{"majority", []string{"9.9.9.9", "9.9.9.9", "8.8.8.8"}, 2, cfddns.Consensus{Value: "9.9.9.9", Votes: 2}, false},
		{"unanimous", []string{"1.1.1.1", "1.1.1.1", "1.1.1.1"}, 2, cfddns.Consensus{Value: "1.1.1.1", Votes: 3}, false},
		{"majority not first", []string{"8.8.8.8", "9.9.9.9", "9.9.9.9"}, 2, cfddns.Consensus{Value: "9.9.9.9", Votes: 2}, false},
		{"tie takes first seen", []string{"2.2.2.2", "1.1.1.1", "1.1.1.1", "2.2.2.2"}, 2, cfddns.Consensus{Value: "2.2.2.2", Votes: 2}, false},
		{"all distinct", []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}, 2, cfddns.Consensus{}, true},
		{"single source", []string{"1.1.1.1"}, 2, cfddns.Consensus{}, true},
		{"empty", nil, 2, cfddns.Consensus{}, true},
		{"quorum raised to minimum", []string{"1.1.1.1"}, 1, cfddns.Consensus{}, true},
		{"higher quorum unmet", []string{"1.1.1.1", "1.1.1.1", "2.2.2.2"}, 3, cfddns.Consensus{}, true},
		{"higher quorum met", []string{"1.1.1.1", "1.1.1.1", "1.1.1.1", "2.2.2.2"}, 3, cfddns.Consensus{Value: "1.1.1.1", Votes: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfddns.Tally(tt.candidates, tt.quorum)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected an error; got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Tally failed: %s", err)
			}
			if got != tt.want {
				t.Fatalf("Expected %+v; got %+v", tt.want, got)
			}
		})
	}
}

func TestTallyErrors(t *testing.T) {
	if _, err := cfddns.Tally(nil, 2); !errors.Is(err, cfddns.ErrNoCandidates) {
		t.Fatalf("Expected ErrNoCandidates; got %v", err)
	}

	_, err := cfddns.Tally([]string{"1.1.1.1", "2.2.2.2"}, 2)
	var de *cfddns.DisagreementError
	if !errors.As(err, &de) {
		t.Fatalf("Expected *DisagreementError; got %T", err)
	}
	if de.Best.Value != "1.1.1.1" || de.Best.Votes != 1 {
		t.Fatalf("Expected best candidate 1.1.1.1 with 1 vote; got %+v", de.Best)
	}
}
