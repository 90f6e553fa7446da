package model

import (
	"errors"
	"time"
)

// ErrUnsourcedClaim is returned when a claim carries neither a URL nor a
// source reference. Per invariant 2 (spec §3), such a claim must never reach
// the context document's ledger.
var ErrUnsourcedClaim = errors.New("claim has neither url nor source_ref")

// Claim is an evidence-bearing assertion extracted from a tool result.
type Claim struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"` // tool identifier or short source name
	URL        string    `json:"url,omitempty"`
	SourceRef  string    `json:"source_ref,omitempty"`
	TTLHours   float64   `json:"ttl_hours"`
	CreatedAt  time.Time `json:"created_at"`
	Invalidated bool     `json:"invalidated,omitempty"`
}

// Validate enforces invariant 2: every persisted claim has a non-empty URL
// or source_ref.
func (c Claim) Validate() error {
	if c.URL == "" && c.SourceRef == "" {
		return ErrUnsourcedClaim
	}
	return nil
}

// Expired reports whether the claim has outlived its TTL as of now.
func (c Claim) Expired(now time.Time) bool {
	if c.TTLHours <= 0 {
		return false
	}
	return now.Sub(c.CreatedAt) > time.Duration(c.TTLHours*float64(time.Hour))
}

// RejectedProduct is a candidate a commerce-like workflow step considered
// and excluded before returning its claims, e.g. a flight or listing dropped
// for exceeding a budget constraint. Workflow steps report these via the
// "rejected_products" output key; the Agent Loop (C10) collects them across
// iterations for its finalization summary (spec §4.10).
type RejectedProduct struct {
	Name         string `json:"name"`
	Reason       string `json:"reason"`
	ConstraintID string `json:"constraint_id,omitempty"`
}
