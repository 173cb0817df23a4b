package validators

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func rosterWithKey(t *testing.T, id string, pub ed25519.PublicKey) *Roster {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.toml")
	contents := "[[validator]]\nid = \"" + id + "\"\npublicKey = \"" + hex.EncodeToString(pub) + "\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	roster, err := Load(path)
	if err != nil {
		t.Fatalf("load roster: %v", err)
	}
	return roster
}

func TestRosterVerifierAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	roster := rosterWithKey(t, "validator-1", pub)
	verifier := NewRosterVerifier(roster)

	payload := []byte("vote:req-1:YES")
	sig := ed25519.Sign(priv, payload)

	if !verifier.Verify("validator-1", payload, sig) {
		t.Fatalf("expected valid signature to verify")
	}
}

func TestRosterVerifierRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	roster := rosterWithKey(t, "validator-1", pub)
	verifier := NewRosterVerifier(roster)

	sig := ed25519.Sign(priv, []byte("vote:req-1:YES"))
	if verifier.Verify("validator-1", []byte("vote:req-1:NO"), sig) {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestRosterVerifierRejectsUnknownValidator(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	roster := rosterWithKey(t, "validator-1", pub)
	verifier := NewRosterVerifier(roster)

	sig := ed25519.Sign(priv, []byte("payload"))
	if verifier.Verify("validator-2", []byte("payload"), sig) {
		t.Fatalf("expected unknown validator to fail verification")
	}
}

func TestRosterVerifierRejectsMalformedSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	roster := rosterWithKey(t, "validator-1", pub)
	verifier := NewRosterVerifier(roster)

	if verifier.Verify("validator-1", []byte("payload"), []byte("too-short")) {
		t.Fatalf("expected malformed signature to fail verification")
	}
}
