// Package visibility defines the scope model that every retriever applies
// before returning a chunk. A document is admissible when at least one scope
// enabled on the query admits it; sigilo documents are never admissible.
package visibility

import (
	"fmt"
	"time"
)

// Scope identifies the visibility frame of a document or a query.
type Scope string

const (
	// ScopeGlobal marks shared reference material (statutes, case law).
	ScopeGlobal Scope = "global"

	// ScopePrivate marks documents owned by a single tenant.
	ScopePrivate Scope = "private"

	// ScopeGroup marks documents shared with one or more groups.
	ScopeGroup Scope = "group"

	// ScopeLocal marks documents attached to a single case.
	ScopeLocal Scope = "local"
)

// ValidScopes lists every scope the core recognizes.
func ValidScopes() []Scope {
	return []Scope{ScopeGlobal, ScopePrivate, ScopeGroup, ScopeLocal}
}

// DocumentVisibility carries the visibility attributes stamped on a document
// at ingest time. Chunks inherit these verbatim from their parent document.
type DocumentVisibility struct {
	TenantID string    `json:"tenant_id"`
	Scope    Scope     `json:"scope"`
	CaseID   string    `json:"case_id,omitempty"`
	GroupIDs []string  `json:"group_ids,omitempty"`
	Shared   bool      `json:"shared,omitempty"`
	Sigilo   bool      `json:"sigilo,omitempty"`
	ExpireAt time.Time `json:"expire_at,omitempty"`
}

// QueryScope is the visibility frame a query runs under. Stores compile it
// into their native filter; Admits is the reference predicate used when a
// store cannot express the filter server-side.
type QueryScope struct {
	TenantID    string   `json:"tenant_id"`
	CaseID      string   `json:"case_id,omitempty"`
	GroupIDs    []string `json:"group_ids,omitempty"`
	AllowGlobal bool     `json:"allow_global"`
	AllowGroup  bool     `json:"allow_group"`
	AllowLocal  bool     `json:"allow_local"`
}

// Validate rejects scope frames that cannot admit anything meaningful.
func (q QueryScope) Validate() error {
	if q.TenantID == "" {
		return fmt.Errorf("scope context requires a tenant id")
	}
	if q.AllowLocal && q.CaseID == "" {
		// Local scope without a case is legal but admits nothing; callers
		// that request local-only retrieval get an empty result, not an
		// error. Flag the combination only when groups are also malformed.
		for _, g := range q.GroupIDs {
			if g == "" {
				return fmt.Errorf("scope context contains an empty group id")
			}
		}
	}
	return nil
}

// EnabledScopes returns the scopes this frame can admit, in a fixed order.
func (q QueryScope) EnabledScopes() []Scope {
	scopes := []Scope{ScopePrivate}
	if q.AllowGlobal {
		scopes = append(scopes, ScopeGlobal)
	}
	if q.AllowGroup && len(q.GroupIDs) > 0 {
		scopes = append(scopes, ScopeGroup)
	}
	if q.AllowLocal {
		scopes = append(scopes, ScopeLocal)
	}
	return scopes
}

// Admits reports whether any enabled scope admits the document. This is the
// reference implementation of the visibility invariant: store-side filters
// must agree with it.
func (q QueryScope) Admits(v DocumentVisibility) bool {
	return q.AdmitsAt(v, time.Now())
}

// AdmitsAt is Admits with an explicit clock, for TTL tests.
func (q QueryScope) AdmitsAt(v DocumentVisibility, now time.Time) bool {
	if v.Sigilo {
		return false
	}
	if !v.ExpireAt.IsZero() && !now.Before(v.ExpireAt) {
		return false
	}
	switch v.Scope {
	case ScopeGlobal:
		return q.AllowGlobal
	case ScopePrivate:
		return v.TenantID == q.TenantID
	case ScopeGroup:
		if !q.AllowGroup || !v.Shared {
			return false
		}
		return intersects(v.GroupIDs, q.GroupIDs)
	case ScopeLocal:
		if !q.AllowLocal || q.CaseID == "" {
			return false
		}
		return v.TenantID == q.TenantID && v.CaseID == q.CaseID
	}
	return false
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}

// DocIDPredicate is the hook a store uses when it cannot express the scope
// filter natively: it reports whether a document id is visible under the
// frame it was built for.
type DocIDPredicate func(docID string) bool

// Resolver produces DocIDPredicates for stores without native filtering.
// The ingestion layer provides the production implementation.
type Resolver interface {
	VisibleDocIDs(tenantID string, scope QueryScope) (DocIDPredicate, error)
}
