// Package discovery maintains the facilitator's catalog of x402-protected
// resources. Records are created opportunistically when a settlement for a
// resource succeeds and served back through the discovery list endpoint, so
// the catalog never needs explicit merchant onboarding.
package discovery

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/x402-foundation/facilitator/pkg/types"
)

// ResourceType is the only resource type recorded today.
const ResourceType = "http"

// Record is one catalog entry. Accepts holds one PaymentRequirements per
// (payTo, asset, network) triple; registration replaces the matching entry
// rather than appending duplicates.
type Record struct {
	Resource    string                      `json:"resource"`
	Type        string                      `json:"type"`
	X402Version int                         `json:"x402Version"`
	Accepts     []types.PaymentRequirements `json:"accepts"`
	LastUpdated time.Time                   `json:"lastUpdated"`
	Metadata    map[string]any              `json:"metadata"`
	CreatedAt   time.Time                   `json:"createdAt"`
	DeletedAt   *time.Time                  `json:"deletedAt,omitempty"`
}

// ListOptions is the store-level query. The registry fills it from the wire
// options after clamping, plus the visibility cutoff and URL filter.
type ListOptions struct {
	Type     string
	Metadata map[string]any
	Limit    int
	Offset   int

	// Since hides records whose LastUpdated is older. Zero disables the cutoff.
	Since time.Time

	// Allow filters resources by URL at query time. Nil allows everything.
	Allow func(resource string) bool
}

// ResourceStore persists the catalog. Implementations must be safe for
// concurrent use.
type ResourceStore interface {
	// Get returns the record for a resource URL, or (nil, nil) when absent.
	Get(ctx context.Context, resource string) (*Record, error)

	// Upsert inserts or replaces the record keyed by rec.Resource.
	Upsert(ctx context.Context, rec Record) error

	// List returns one page of visible records ordered by LastUpdated
	// descending, plus the total number of visible records.
	List(ctx context.Context, opts ListOptions) ([]Record, int, error)

	// Purge removes records soft-deleted before the given time.
	Purge(ctx context.Context, before time.Time) error
}

// matchRecord applies every ListOptions filter except pagination.
func matchRecord(rec Record, opts ListOptions) bool {
	if rec.DeletedAt != nil {
		return false
	}
	if !opts.Since.IsZero() && rec.LastUpdated.Before(opts.Since) {
		return false
	}
	if opts.Type != "" && rec.Type != opts.Type {
		return false
	}
	for key, want := range opts.Metadata {
		got, ok := rec.Metadata[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	if opts.Allow != nil && !opts.Allow(rec.Resource) {
		return false
	}
	return true
}

// selectPage filters, orders and paginates records. Both stores route their
// List through here so memory and redis agree on semantics.
func selectPage(records []Record, opts ListOptions) ([]Record, int) {
	var visible []Record
	for _, rec := range records {
		if matchRecord(rec, opts) {
			visible = append(visible, rec)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].LastUpdated.Equal(visible[j].LastUpdated) {
			return visible[i].Resource < visible[j].Resource
		}
		return visible[i].LastUpdated.After(visible[j].LastUpdated)
	})

	total := len(visible)
	if opts.Offset >= total {
		return nil, total
	}
	end := total
	if opts.Limit > 0 && opts.Offset+opts.Limit < total {
		end = opts.Offset + opts.Limit
	}
	return visible[opts.Offset:end], total
}
