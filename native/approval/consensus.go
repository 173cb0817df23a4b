package approval

import "math"

// ConsensusResult is the outcome of tallying an ApprovalRequest's votes
// against its threshold. It is a pure value; computing it has no side
// effects on the request.
type ConsensusResult struct {
	Reached    bool
	Approved   bool
	Rejected   bool
	Impossible bool
	Percent    float64
	MinForMajority int
}

// ConsensusCalculator applies the Byzantine-fault-tolerant majority rule to
// an ApprovalRequest's running tallies. It holds no state and is safe to
// call concurrently.
type ConsensusCalculator struct{}

// NewConsensusCalculator constructs a ConsensusCalculator.
func NewConsensusCalculator() *ConsensusCalculator {
	return &ConsensusCalculator{}
}

// Tally computes the ConsensusResult for the given vote counts.
func (c *ConsensusCalculator) Tally(approvalCount, rejectionCount, abstainCount, total int, thresholdPercent float64) ConsensusResult {
	active := total - abstainCount
	if active <= 0 {
		return ConsensusResult{Impossible: true}
	}

	minForMajority := int(math.Floor(float64(active)*thresholdPercent/100)) + 1
	remaining := total - approvalCount - rejectionCount - abstainCount

	approved := approvalCount >= minForMajority
	rejected := rejectionCount >= minForMajority
	// Impossible only once NEITHER side can still reach minForMajority even if
	// every remaining validator voted for it. A single side being foreclosed
	// (e.g. rejection can no longer win) says nothing about whether approval
	// is also foreclosed, so this must be an AND, not an OR.
	impossible := (approvalCount+remaining) < minForMajority && (rejectionCount+remaining) < minForMajority

	return ConsensusResult{
		Reached:        approved || rejected,
		Approved:       approved,
		Rejected:       rejected,
		Impossible:     impossible,
		Percent:        float64(approvalCount) * 100 / float64(active),
		MinForMajority: minForMajority,
	}
}

// Decisive reports whether the result calls for the request to leave PENDING.
func (r ConsensusResult) Decisive() bool {
	return r.Reached || r.Impossible
}
