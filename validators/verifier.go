package validators

import (
	"crypto/ed25519"
	"encoding/hex"

	"aurigraph/approval-core/native/approval"
)

// RosterVerifier checks a vote's signature against the Ed25519 public key
// recorded for its validator ID in the roster. It satisfies
// approval.SignatureVerifier; CreateRequest never needs it, only
// ApprovalService.SubmitVote when votes carry a signature.
type RosterVerifier struct {
	roster *Roster
}

// NewRosterVerifier wraps roster as a SignatureVerifier.
func NewRosterVerifier(roster *Roster) *RosterVerifier {
	return &RosterVerifier{roster: roster}
}

// Verify implements approval.SignatureVerifier.
func (v *RosterVerifier) Verify(validatorID string, payload []byte, signature []byte) bool {
	entry, ok := v.roster.Lookup(validatorID)
	if !ok || entry.PublicKey == "" {
		return false
	}
	raw, err := hex.DecodeString(entry.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(raw), payload, signature)
}

var _ approval.SignatureVerifier = (*RosterVerifier)(nil)
