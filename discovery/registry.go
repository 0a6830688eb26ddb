package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/x402-foundation/facilitator/pkg/types"
)

const (
	// DefaultVisibilityTTL hides records not re-registered within a week.
	DefaultVisibilityTTL = 7 * 24 * time.Hour

	// DefaultDebounceWindow suppresses re-registration of an unchanged
	// accept entry.
	DefaultDebounceWindow = 24 * time.Hour

	// DefaultPurgeAge is how long soft-deleted records are kept before
	// Cleanup removes them.
	DefaultPurgeAge = 30 * 24 * time.Hour

	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Config tunes a Registry. Zero durations take the defaults.
type Config struct {
	// AllowLocalhost permits plain-HTTP resources on loopback and private
	// ranges, for local development. Production leaves this off: resources
	// must be public HTTPS URLs.
	AllowLocalhost bool

	VisibilityTTL  time.Duration
	DebounceWindow time.Duration
}

// Registry applies the catalog rules on top of a ResourceStore: URL safety,
// debounced upserts and TTL-based visibility. It holds no state of its own,
// so concurrent registrations rely on the store's last-write-wins semantics.
type Registry struct {
	store          ResourceStore
	allowLocalhost bool
	ttl            time.Duration
	debounce       time.Duration

	now func() time.Time
}

// NewRegistry builds a Registry over the given store. A nil store gets an
// in-memory one.
func NewRegistry(store ResourceStore, config Config) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if config.VisibilityTTL <= 0 {
		config.VisibilityTTL = DefaultVisibilityTTL
	}
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = DefaultDebounceWindow
	}
	return &Registry{
		store:          store,
		allowLocalhost: config.AllowLocalhost,
		ttl:            config.VisibilityTTL,
		debounce:       config.DebounceWindow,
		now:            time.Now,
	}
}

// Register records the resource behind a successful settlement. Callers
// treat errors as advisory; a failed registration never fails a settlement.
func (r *Registry) Register(ctx context.Context, requirements types.PaymentRequirements) error {
	resource := requirements.Resource
	if resource == "" {
		return nil
	}
	if !r.resourceAllowed(resource) {
		return fmt.Errorf("discovery: resource URL %q not allowed", resource)
	}
	if err := validateOutputSchema(requirements.OutputSchema); err != nil {
		return err
	}

	now := r.now()
	existing, err := r.store.Get(ctx, resource)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.store.Upsert(ctx, Record{
			Resource:    resource,
			Type:        ResourceType,
			X402Version: types.X402Version,
			Accepts:     []types.PaymentRequirements{requirements},
			LastUpdated: now,
			Metadata:    map[string]any{},
			CreatedAt:   now,
		})
	}

	idx := matchingAccept(existing.Accepts, requirements)
	if idx >= 0 &&
		sameCriticalFields(existing.Accepts[idx], requirements) &&
		now.Sub(existing.LastUpdated) < r.debounce {
		return nil
	}

	rec := *existing
	rec.Accepts = append([]types.PaymentRequirements(nil), existing.Accepts...)
	if idx >= 0 {
		rec.Accepts[idx] = requirements
	} else {
		rec.Accepts = append(rec.Accepts, requirements)
	}
	rec.LastUpdated = now
	rec.DeletedAt = nil
	if rec.Type == "" {
		rec.Type = ResourceType
	}
	return r.store.Upsert(ctx, rec)
}

// List serves the discovery endpoint: visible records ordered by most
// recently updated, with limit clamped to [1, MaxListLimit].
func (r *Registry) List(ctx context.Context, opts types.ListResourcesOptions) (*types.DiscoveryListResponse, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	page, total, err := r.store.List(ctx, ListOptions{
		Type:     opts.Type,
		Metadata: opts.Metadata,
		Limit:    limit,
		Offset:   offset,
		Since:    r.now().Add(-r.ttl),
		Allow:    r.resourceAllowed,
	})
	if err != nil {
		return nil, err
	}

	items := make([]types.DiscoveryResource, len(page))
	for i, rec := range page {
		items[i] = types.DiscoveryResource{
			Resource:    rec.Resource,
			Type:        rec.Type,
			X402Version: rec.X402Version,
			Accepts:     rec.Accepts,
			LastUpdated: rec.LastUpdated,
			Metadata:    rec.Metadata,
		}
	}
	return &types.DiscoveryListResponse{
		X402Version: types.X402Version,
		Items:       items,
		Pagination: types.DiscoveryPagination{
			Limit:  limit,
			Offset: offset,
			Total:  total,
		},
	}, nil
}

// Cleanup drops records that have been soft-deleted for longer than
// DefaultPurgeAge.
func (r *Registry) Cleanup(ctx context.Context) error {
	return r.store.Purge(ctx, r.now().Add(-DefaultPurgeAge))
}

// resourceAllowed is the URL safety gate, applied on registration and again
// at query time. Production mode accepts public HTTPS URLs only; the
// allow-localhost mode additionally accepts plain HTTP on loopback and
// private ranges.
func (r *Registry) resourceAllowed(resource string) bool {
	u, err := url.Parse(resource)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	private := isPrivateHost(host)
	if r.allowLocalhost {
		return private || u.Scheme == "https"
	}
	return !private && u.Scheme == "https"
}

// isPrivateHost reports whether host is loopback, unspecified, RFC1918 or
// link-local. DNS names other than localhost are treated as public; the
// facilitator does not resolve them.
func isPrivateHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

func matchingAccept(accepts []types.PaymentRequirements, req types.PaymentRequirements) int {
	for i, a := range accepts {
		if strings.EqualFold(a.PayTo, req.PayTo) &&
			strings.EqualFold(a.Asset, req.Asset) &&
			a.Network == req.Network {
			return i
		}
	}
	return -1
}

func sameCriticalFields(a, b types.PaymentRequirements) bool {
	return strings.EqualFold(a.PayTo, b.PayTo) &&
		strings.EqualFold(a.Asset, b.Asset) &&
		a.MaxAmountRequired == b.MaxAmountRequired &&
		a.Network == b.Network &&
		a.Scheme == b.Scheme
}

// validateOutputSchema compile-checks the advertised input schema so the
// catalog never serves a schema that clients cannot use.
func validateOutputSchema(schema *types.OutputSchema) error {
	if schema == nil || schema.Input == nil || len(schema.Input.Schema) == 0 {
		return nil
	}
	raw, err := json.Marshal(schema.Input.Schema)
	if err != nil {
		return fmt.Errorf("discovery: encode output schema: %w", err)
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw)); err != nil {
		return fmt.Errorf("discovery: invalid output schema: %w", err)
	}
	return nil
}
