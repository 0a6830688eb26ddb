// Package server exposes the facilitator over HTTP: the x402 verify/settle
// endpoints, the supported-kinds and discovery listings, and the health and
// metrics surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	facilitator "github.com/x402-foundation/facilitator"
	"github.com/x402-foundation/facilitator/discovery"
	"github.com/x402-foundation/facilitator/pkg/types"
	"github.com/x402-foundation/facilitator/wallet"
)

// DefaultRequestTimeout caps every request deadline. Payment requirements may
// ask for less via maxTimeoutSeconds, never for more.
const DefaultRequestTimeout = 120 * time.Second

// RequestIDHeader carries the request correlation id. Inbound values are
// kept, otherwise one is generated.
const RequestIDHeader = "X-Request-ID"

// Options carries the server's optional collaborators.
type Options struct {
	Discovery *discovery.Registry
	Pools     []*wallet.Pool
	Gatherer  prometheus.Gatherer
	Version   string
}

// Server is the gin front of the facilitator facade.
type Server struct {
	engine    *gin.Engine
	facade    *facilitator.Facilitator
	discovery *discovery.Registry
	pools     []*wallet.Pool
	version   string
}

// New wires the routes. The facade must be non-nil; everything in opts may
// be zero.
func New(facade *facilitator.Facilitator, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID())

	s := &Server{
		engine:    engine,
		facade:    facade,
		discovery: opts.Discovery,
		pools:     opts.Pools,
		version:   opts.Version,
	}

	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/discovery/resources", s.handleDiscoveryResources)
	engine.GET("/list", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/discovery/resources")
	})
	engine.GET("/health", s.handleHealth)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

// Handler returns the router for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) handleVerify(c *gin.Context) {
	var req types.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invalidVerifyBody(types.ErrReasonInvalidPayload))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, invalidVerifyBody(validationReason(err)))
		return
	}

	ctx, cancel := contextWithTimeout(c, req.PaymentRequirements)
	defer cancel()

	resp, err := s.facade.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		if resp == nil {
			resp = invalidVerifyBody(types.ErrReasonUnexpectedVerifyError)
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req types.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failedSettleBody(types.ErrReasonInvalidPayload, ""))
		return
	}
	if err := req.Validate(); err != nil {
		network := ""
		if req.PaymentRequirements != nil {
			network = req.PaymentRequirements.Network
		}
		c.JSON(http.StatusBadRequest, failedSettleBody(validationReason(err), network))
		return
	}

	ctx, cancel := contextWithTimeout(c, req.PaymentRequirements)
	defer cancel()

	resp, err := s.facade.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		if resp == nil {
			resp = failedSettleBody(types.ErrReasonUnexpectedSettleError, req.PaymentRequirements.Network)
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facade.GetSupported())
}

func (s *Server) handleDiscoveryResources(c *gin.Context) {
	opts := types.ListResourcesOptions{Type: c.Query("type")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		opts.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be an integer"})
			return
		}
		opts.Offset = n
	}
	if raw := c.Query("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Metadata); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "metadata must be a JSON object"})
			return
		}
	}

	if s.discovery == nil {
		c.JSON(http.StatusOK, emptyDiscoveryPage(opts))
		return
	}

	ctx, cancel := contextWithTimeout(c, nil)
	defer cancel()

	resp, err := s.discovery.List(ctx, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "discovery unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	type poolStatus struct {
		Network string                `json:"network"`
		Wallets []wallet.WalletStatus `json:"wallets"`
	}
	pools := make([]poolStatus, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, poolStatus{Network: p.Network(), Wallets: p.Snapshot()})
	}

	body := gin.H{"status": "ok", "pools": pools}
	if s.version != "" {
		body["version"] = s.version
	}
	c.JSON(http.StatusOK, body)
}

func contextWithTimeout(c *gin.Context, requirements *types.PaymentRequirements) (ctx context.Context, cancel context.CancelFunc) {
	timeout := DefaultRequestTimeout
	if requirements != nil && requirements.MaxTimeoutSeconds > 0 {
		if asked := time.Duration(requirements.MaxTimeoutSeconds) * time.Second; asked < timeout {
			timeout = asked
		}
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

func validationReason(err error) string {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return types.ErrReasonInvalidPayload
}

func invalidVerifyBody(reason string) *types.VerifyResponse {
	return &types.VerifyResponse{IsValid: false, InvalidReason: types.StringPtr(reason)}
}

func failedSettleBody(reason, network string) *types.SettleResponse {
	return &types.SettleResponse{
		Success:     false,
		ErrorReason: types.StringPtr(reason),
		Network:     network,
	}
}

func emptyDiscoveryPage(opts types.ListResourcesOptions) types.DiscoveryListResponse {
	limit := opts.Limit
	if limit <= 0 {
		limit = discovery.DefaultListLimit
	}
	if limit > discovery.MaxListLimit {
		limit = discovery.MaxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	return types.DiscoveryListResponse{
		X402Version: types.X402Version,
		Items:       []types.DiscoveryResource{},
		Pagination:  types.DiscoveryPagination{Limit: limit, Offset: offset, Total: 0},
	}
}
