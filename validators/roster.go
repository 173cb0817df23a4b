// Package validators loads the static roster of validator identities
// eligible to vote on TokenVersion approval requests.
package validators

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Entry describes one roster member: the ID used in ApprovalRequest.Validators
// and the public material its SignatureVerifier checks votes against.
type Entry struct {
	ID        string `toml:"id"`
	PublicKey string `toml:"publicKey"`
	Disabled  bool   `toml:"disabled"`
}

// Roster is the decoded validator set, keyed by ID for O(1) lookup.
type Roster struct {
	entries map[string]Entry
	order   []string
}

type rosterFile struct {
	Validators []Entry `toml:"validator"`
}

// Load reads a roster TOML file of the form:
//
//	[[validator]]
//	id = "validator-1"
//	publicKey = "..."
func Load(path string) (*Roster, error) {
	var file rosterFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("validators: decode roster %s: %w", path, err)
	}
	r := &Roster{entries: make(map[string]Entry, len(file.Validators))}
	for _, e := range file.Validators {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("validators: roster entry missing id")
		}
		if _, exists := r.entries[id]; exists {
			return nil, fmt.Errorf("validators: duplicate roster entry %q", id)
		}
		r.entries[id] = e
		r.order = append(r.order, id)
	}
	if len(r.entries) == 0 {
		return nil, fmt.Errorf("validators: roster %s contains no validators", path)
	}
	return r, nil
}

// Active returns the IDs of every non-disabled roster entry, in file order.
// This is the slice CreateRequestInput.Validators is typically populated
// from when a version enters PENDING_VVB.
func (r *Roster) Active() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if !r.entries[id].Disabled {
			out = append(out, id)
		}
	}
	return out
}

// Lookup returns the roster entry for id, if present and enabled.
func (r *Roster) Lookup(id string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	e, ok := r.entries[id]
	if !ok || e.Disabled {
		return Entry{}, false
	}
	return e, true
}

// WriteExample writes a minimal roster file to path, for local development.
// It is never called by the service itself; operators invoke it through a
// dev-setup script when bootstrapping a fresh environment.
func WriteExample(path string) error {
	const example = `[[validator]]
id = "validator-1"
publicKey = ""

[[validator]]
id = "validator-2"
publicKey = ""

[[validator]]
id = "validator-3"
publicKey = ""
`
	return os.WriteFile(path, []byte(example), 0o644)
}
