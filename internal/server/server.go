// Package server builds the external HTTP listener of spec.md §6: the
// route table (POST /el, GET /el/ws, ANY /cl/*path, GET /health, GET
// /status, GET /metrics), a CORS wrapper, and an inflight-request limiter.
//
// Grounded on the teacher's go.mod stack for its own rpc/http listener:
// julienschmidt/httprouter for the route table and rs/cors for the CORS
// middleware wrapping it, both carried over as direct dependencies here.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"

	"github.com/chainbound/vixy/internal/config"
	"github.com/chainbound/vixy/internal/metrics"
	"github.com/chainbound/vixy/internal/proxyhttp"
	"github.com/chainbound/vixy/internal/registry"
	"github.com/chainbound/vixy/internal/wsproxy"
)

// Server wires the Forwarder, the WebSocket Proxy, the status snapshot and
// the metrics handler into one httprouter.Router.
type Server struct {
	Registry  *registry.Registry
	Forwarder *proxyhttp.Forwarder
	WS        *wsproxy.Proxy
	Metrics   *metrics.Metrics
	Log       *slog.Logger

	// inflight bounds concurrent EL forwards on POST /el (SPEC_FULL.md §3's
	// max_inflight_requests knob); nil means unbounded.
	inflight *semaphore.Weighted
}

// New builds a Server from a validated Config sharing one Registry. client
// is the shared, pooled *http.Client the Forwarder and Health Monitor both
// use (spec.md §5).
func New(cfg *config.Config, reg *registry.Registry, client *http.Client, mx *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	fwd := &proxyhttp.Forwarder{
		Registry:     reg,
		Client:       client,
		MaxBodyBytes: cfg.Global.MaxBodyBytes,
		ProxyTimeout: cfg.Global.ProxyTimeout(),
		Log:          log,
		Metrics:      mx,
	}
	ws := wsproxy.New(reg, log)
	ws.Metrics = mx

	s := &Server{
		Registry:  reg,
		Forwarder: fwd,
		WS:        ws,
		Metrics:   mx,
		Log:       log,
	}
	if cfg.Global.MaxInflightRequests > 0 {
		s.inflight = semaphore.NewWeighted(cfg.Global.MaxInflightRequests)
	}

	return s
}

// Handler builds the full route table, wrapped in CORS if configured.
func (s *Server) Handler(cfg *config.Config) http.Handler {
	router := httprouter.New()

	router.POST("/el", s.withInflight(s.handleEL))
	router.GET("/el/ws", s.handleELWS)
	router.GET("/cl/*path", s.handleCL)
	router.POST("/cl/*path", s.handleCL)
	router.PUT("/cl/*path", s.handleCL)
	router.PATCH("/cl/*path", s.handleCL)
	router.DELETE("/cl/*path", s.handleCL)
	router.HEAD("/cl/*path", s.handleCL)
	router.OPTIONS("/cl/*path", s.handleCL)
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	if s.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	if len(cfg.Global.CORSAllowedOrigins) == 0 {
		return router
	}
	return cors.New(cors.Options{
		AllowedOrigins: cfg.Global.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
	}).Handler(router)
}

// withInflight wraps an httprouter.Handle with the optional semaphore bound
// on concurrent forwards.
func (s *Server) withInflight(h httprouter.Handle) httprouter.Handle {
	if s.inflight == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.inflight.TryAcquire(1) {
			http.Error(w, "too many inflight requests", http.StatusServiceUnavailable)
			return
		}
		defer s.inflight.Release(1)
		h(w, r, ps)
	}
}

func (s *Server) handleEL(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.Forwarder.ForwardEL(w, r)
}

func (s *Server) handleELWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.WS.ServeHTTP(w, r)
}

func (s *Server) handleCL(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.Forwarder.ForwardCL(w, r, ps.ByName("path"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// statusElNode and statusClNode mirror the /status JSON shape of spec.md §6.
type statusElNode struct {
	Name        string `json:"name"`
	HTTPURL     string `json:"http_url"`
	IsPrimary   bool   `json:"is_primary"`
	BlockNumber uint64 `json:"block_number"`
	Lag         uint64 `json:"lag"`
	CheckOK     bool   `json:"check_ok"`
	IsHealthy   bool   `json:"is_healthy"`
}

type statusClNode struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Slot      uint64 `json:"slot"`
	Lag       uint64 `json:"lag"`
	HealthOK  bool   `json:"health_ok"`
	IsHealthy bool   `json:"is_healthy"`
}

type statusResponse struct {
	ELChainHead       uint64         `json:"el_chain_head"`
	CLChainHead       uint64         `json:"cl_chain_head"`
	ELFailoverActive  bool           `json:"el_failover_active"`
	ELNodes           []statusElNode `json:"el_nodes"`
	CLNodes           []statusClNode `json:"cl_nodes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	maxELLag, maxCLLag, failThreshold := s.Registry.MaxELLag(), s.Registry.MaxCLLag(), s.Registry.FailThreshold()

	elNodes := s.Registry.ElNodes()
	resp := statusResponse{
		ELChainHead:      s.Registry.ELHead(),
		CLChainHead:      s.Registry.CLHead(),
		ELFailoverActive: s.Registry.FailoverActive(),
		ELNodes:          make([]statusElNode, 0, len(elNodes)),
	}
	for _, n := range elNodes {
		resp.ELNodes = append(resp.ELNodes, statusElNode{
			Name:        n.Name,
			HTTPURL:     n.HTTPURL,
			IsPrimary:   n.Tier == registry.TierPrimary,
			BlockNumber: n.LastBlock,
			Lag:         n.Lag,
			CheckOK:     n.ProbeOK,
			IsHealthy:   n.Healthy(maxELLag, failThreshold),
		})
	}
	for _, n := range s.Registry.ClNodes() {
		resp.CLNodes = append(resp.CLNodes, statusClNode{
			Name:      n.Name,
			URL:       n.URL,
			Slot:      n.LastSlot,
			Lag:       n.Lag,
			HealthOK:  n.HealthOK,
			IsHealthy: n.Healthy(maxCLLag, failThreshold),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Shutdown does no work and returns nil: httprouter itself is stateless,
// and draining in-flight requests is left to the http.Server that serves
// Handler.
func (s *Server) Shutdown(_ context.Context) error {
	return nil
}
