package approval

// SignatureVerifier checks a validator's vote signature out-of-band of any
// concrete cryptographic scheme. Real verification (threshold signatures,
// detached Ed25519, HSM-backed attestation, ...) is the caller's concern;
// the approval core only needs a yes/no answer.
type SignatureVerifier interface {
	Verify(validatorID string, payload []byte, signature []byte) bool
}

// AllowAllVerifier accepts every signature. It is the default when votes
// carry no signature requirement, and is useful in tests.
type AllowAllVerifier struct{}

// Verify implements SignatureVerifier.
func (AllowAllVerifier) Verify(string, []byte, []byte) bool { return true }

// VotePayload returns the canonical bytes a SignatureVerifier should check a
// vote's signature against: requestID, validatorID, and choice joined the
// same way the gateway's HMAC request signer joins its canonical fields.
func VotePayload(requestID, validatorID string, choice VoteChoice) []byte {
	return []byte(requestID + "\x00" + validatorID + "\x00" + string(choice))
}
