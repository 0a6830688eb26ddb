package types

import "time"

// =============================================================================
// Discovery Types
// =============================================================================

// DiscoveryResource represents a resource known to the facilitator's catalog.
// Returned by GET /discovery/resources.
type DiscoveryResource struct {
	// Resource is the URL of the x402-protected endpoint
	Resource string `json:"resource"`
	// Type is the resource type (currently only "http")
	Type string `json:"type"`
	// X402Version is the protocol version
	X402Version int `json:"x402Version"`
	// Accepts contains the payment requirements for this resource, one entry
	// per (payTo, asset, network) triple.
	Accepts []PaymentRequirements `json:"accepts"`
	// LastUpdated is when this resource was last registered or updated
	LastUpdated time.Time `json:"lastUpdated"`
	// Metadata contains optional free-form discovery metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DiscoveryListResponse represents the response from the discovery list endpoint.
type DiscoveryListResponse struct {
	X402Version int                 `json:"x402Version"`
	Items       []DiscoveryResource `json:"items"`
	Pagination  DiscoveryPagination `json:"pagination"`
}

// DiscoveryPagination contains pagination info for the discovery list.
type DiscoveryPagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// ListResourcesOptions contains options for listing discovery resources.
type ListResourcesOptions struct {
	// Type filters by resource type (e.g., "http")
	Type string
	// Metadata filters by top-level metadata key equality
	Metadata map[string]any
	// Limit is the maximum number of items to return (clamped to [1, 1000])
	Limit int
	// Offset is the number of items to skip
	Offset int
}
