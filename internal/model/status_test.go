package model

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ReactionStatus
		to      ReactionStatus
		wantErr bool
	}{
		{"pending to searching", StatusPending, StatusSearching, false},
		{"pending to failed (malformed input)", StatusPending, StatusFailed, false},
		{"searching to guess_found", StatusSearching, StatusGuessFound, false},
		{"searching to failed", StatusSearching, StatusFailed, false},
		{"guess_found to optimizing", StatusGuessFound, StatusOptimizing, false},
		{"optimizing to confirmed", StatusOptimizing, StatusConfirmed, false},
		{"optimizing back to searching", StatusOptimizing, StatusSearching, false},
		{"optimizing to failed", StatusOptimizing, StatusFailed, false},
		{"pending cannot confirm", StatusPending, StatusConfirmed, true},
		{"searching cannot optimize", StatusSearching, StatusOptimizing, true},
		{"confirmed is terminal", StatusConfirmed, StatusFailed, true},
		{"failed is terminal", StatusFailed, StatusSearching, true},
		{"unknown status", ReactionStatus("bogus"), StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%q, %q) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StatusConfirmed) || !IsTerminal(StatusFailed) {
		t.Error("confirmed and failed must be terminal")
	}
	for _, s := range []ReactionStatus{StatusPending, StatusSearching, StatusGuessFound, StatusOptimizing} {
		if IsTerminal(s) {
			t.Errorf("%q must not be terminal", s)
		}
	}
}
