package approval

import (
	"context"
	"time"
)

// CascadeRetirement moves a superseded ACTIVE version to REPLACED once its
// successor has become ACTIVE. It refuses to act when the prior version's
// lineage is ambiguous (more than one ACTIVE child), leaving it for an
// operator to resolve manually.
type CascadeRetirement struct {
	versions   VersionStore
	transition *TransitionManager
	nowFn      func() time.Time
}

// NewCascadeRetirement constructs a CascadeRetirement.
func NewCascadeRetirement(versions VersionStore, transition *TransitionManager) *CascadeRetirement {
	return &CascadeRetirement{
		versions:   versions,
		transition: transition,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (c *CascadeRetirement) SetNowFunc(now func() time.Time) {
	if now != nil {
		c.nowFn = now
	}
}

// Retire retires priorVersionID in favor of newVersionID. It is a no-op if
// the prior version is not currently ACTIVE, and refuses (returning nil, no
// error) if more than one of its children is ACTIVE.
func (c *CascadeRetirement) Retire(ctx context.Context, priorVersionID, newVersionID string) (*TokenVersion, error) {
	if priorVersionID == "" {
		return nil, nil
	}

	prior, err := c.versions.GetVersion(ctx, priorVersionID)
	if err != nil {
		if err == ErrVersionNotFound {
			return nil, nil
		}
		return nil, err
	}
	if prior.Status != VersionActive {
		return nil, nil
	}

	children, err := c.versions.ChildrenOf(ctx, priorVersionID)
	if err != nil {
		return nil, err
	}
	activeChildren := 0
	for _, child := range children {
		if child.Status == VersionActive {
			activeChildren++
		}
	}
	if activeChildren > 1 {
		return nil, nil
	}

	updated, err := c.transition.Execute(ctx, TransitionInput{
		VersionID:    priorVersionID,
		ExpectedFrom: VersionActive,
		To:           VersionReplaced,
		ExecutedBy:   "cascade-retirement",
		Metadata:     map[string]string{"replaced_by": newVersionID},
	})
	if err != nil {
		return nil, err
	}

	updated.ReplacedByVersionID = newVersionID
	updated.ReplacedAt = c.nowFn()
	if err := c.versions.PutVersion(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}
