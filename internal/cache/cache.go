// Package cache stores per-company rule lists under a versioned namespace.
// Invalidation bumps the version instead of deleting keys. A miss hands back
// the version it observed and Set only writes under that version while it is
// still current, so a reader that raced with an invalidation drops its fill.
package cache

import (
	"context"
	"fmt"

	"github.com/iago/crm-automation/internal/domain"
)

// Lookup is the result of a Get. Version is the namespace version the read
// saw; pass it back to Set to fill a miss.
type Lookup struct {
	Payload []byte
	Found   bool
	Version int64
}

// RuleCache holds encoded rule lists keyed by (domain, company).
type RuleCache interface {
	Get(ctx context.Context, ruleDomain domain.RuleDomain, companyID int64) (Lookup, error)
	// Set stores payload under version. It is a no-op once the namespace has
	// moved past version.
	Set(ctx context.Context, ruleDomain domain.RuleDomain, companyID int64, version int64, payload []byte) error
	Invalidate(ctx context.Context, ruleDomain domain.RuleDomain, companyID int64) error
}

func namespace(ruleDomain domain.RuleDomain, companyID int64) string {
	return fmt.Sprintf("%s:%d", ruleDomain, companyID)
}

func versionedKey(ns string, version int64) string {
	return fmt.Sprintf("%s:v%d", ns, version)
}
