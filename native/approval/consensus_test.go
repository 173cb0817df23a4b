package approval

import "testing"

func TestConsensusCalculatorTally(t *testing.T) {
	t.Parallel()
	c := NewConsensusCalculator()

	cases := []struct {
		name                              string
		approval, rejection, abstain, tot int
		threshold                         float64
		wantApproved, wantRejected        bool
		wantImpossible                    bool
	}{
		{"single validator yes", 1, 0, 0, 1, DefaultApprovalThresholdPercent, true, false, false},
		{"single validator no", 0, 1, 0, 1, DefaultApprovalThresholdPercent, false, true, false},
		{"two of three yes passes supermajority", 2, 0, 0, 3, DefaultApprovalThresholdPercent, true, false, false},
		{"one of three yes insufficient, still possible", 1, 0, 0, 3, DefaultApprovalThresholdPercent, false, false, false},
		{"early impossibility for rejection", 0, 3, 0, 3, 50, false, true, false},
		{"all abstain is impossible", 0, 0, 3, 3, DefaultApprovalThresholdPercent, false, false, true},
		{"remaining votes could still flip", 1, 1, 0, 5, DefaultApprovalThresholdPercent, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := c.Tally(tc.approval, tc.rejection, tc.abstain, tc.tot, tc.threshold)
			if result.Approved != tc.wantApproved {
				t.Errorf("Approved = %v, want %v", result.Approved, tc.wantApproved)
			}
			if result.Rejected != tc.wantRejected {
				t.Errorf("Rejected = %v, want %v", result.Rejected, tc.wantRejected)
			}
			if result.Impossible != tc.wantImpossible {
				t.Errorf("Impossible = %v, want %v", result.Impossible, tc.wantImpossible)
			}
		})
	}
}

func TestConsensusCalculatorImpossibleWhenMajorityUnreachable(t *testing.T) {
	t.Parallel()
	c := NewConsensusCalculator()
	// 5 validators, threshold 66.67 -> min_for_majority = floor(5*0.6667)+1 = 4.
	// 2 NO votes already cast, 1 abstain, 2 remain: approval can reach at
	// most 2, which is < 4, so approval side is impossible; rejection can
	// reach at most 4 (2 existing + 2 remaining) which meets 4, so overall
	// not yet impossible.
	result := c.Tally(0, 2, 1, 5, 66.67)
	if result.Impossible {
		t.Fatalf("expected not yet impossible while rejection can still reach majority")
	}

	// Now 3 NO, 1 abstain, 1 remaining: rejection already reached majority.
	result = c.Tally(0, 3, 1, 5, 66.67)
	if !result.Rejected {
		t.Fatalf("expected rejection to have reached majority")
	}
}

func TestConsensusResultDecisive(t *testing.T) {
	t.Parallel()
	if (ConsensusResult{}).Decisive() {
		t.Fatalf("zero-value result should not be decisive")
	}
	if !(ConsensusResult{Reached: true}).Decisive() {
		t.Fatalf("reached result should be decisive")
	}
	if !(ConsensusResult{Impossible: true}).Decisive() {
		t.Fatalf("impossible result should be decisive")
	}
}
