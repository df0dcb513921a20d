package proxyhttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"github.com/chainbound/vixy/internal/metrics"
	"github.com/chainbound/vixy/internal/perror"
	"github.com/chainbound/vixy/internal/registry"
)

// Forwarder is the stateless EL/CL HTTP forwarder of spec.md §4.4. It holds
// no per-request state; a single Forwarder, backed by one pooled *http.Client,
// serves every request (spec.md §5: "A single HTTP client with connection
// pool is shared across all HTTP forwards").
type Forwarder struct {
	Registry     *registry.Registry
	Client       *http.Client
	MaxBodyBytes int64
	ProxyTimeout time.Duration
	Log          *slog.Logger
	Metrics      *metrics.Metrics
}

// ForwardEL implements spec.md §4.4's EL HTTP forwarding: select a healthy
// upstream per the primary/backup policy, read the client body up to
// MaxBodyBytes, re-POST it to the chosen upstream, and stream the response
// back verbatim. Status codes follow spec.md §6.
func (f *Forwarder) ForwardEL(w http.ResponseWriter, r *http.Request) {
	node, err := SelectEL(f.Registry.ElNodes(), f.Registry.FailoverActive(), f.Registry.MaxELLag(), f.Registry.FailThreshold())
	if err != nil {
		f.writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, f.MaxBodyBytes))
	if err != nil {
		f.writeError(w, perror.New(perror.KindClientReadFailure, "Forwarder.ForwardEL", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.ProxyTimeout)
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.HTTPURL, strings.NewReader(string(body)))
	if err != nil {
		f.writeError(w, perror.New(perror.KindUpstreamTransport, "Forwarder.ForwardEL", err))
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		upReq.Header.Set("Content-Type", ct)
	}

	start := time.Now()
	resp, err := f.Client.Do(upReq)
	if f.Metrics != nil {
		f.Metrics.ELRequestsTotal.WithLabelValues(node.Name, node.Tier.String()).Inc()
		f.Metrics.ELRequestDuration.WithLabelValues(node.Name, node.Tier.String()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		f.writeError(w, classifyTransportErr("Forwarder.ForwardEL", err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// ForwardCL implements spec.md §4.4's CL HTTP forwarding: concatenate the
// /cl/ path suffix and query string onto the chosen CL node's base URL,
// preserve method and body/Content-Type, and pass the response through.
func (f *Forwarder) ForwardCL(w http.ResponseWriter, r *http.Request, pathSuffix string) {
	node, err := SelectCL(f.Registry.ClNodes(), f.Registry.MaxCLLag(), f.Registry.FailThreshold())
	if err != nil {
		f.writeError(w, err)
		return
	}

	target := strings.TrimRight(node.URL, "/") + "/" + strings.TrimLeft(pathSuffix, "/")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, f.MaxBodyBytes))
		if err != nil {
			f.writeError(w, perror.New(perror.KindClientReadFailure, "Forwarder.ForwardCL", err))
			return
		}
		body = strings.NewReader(string(b))
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.ProxyTimeout)
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		f.writeError(w, perror.New(perror.KindUpstreamTransport, "Forwarder.ForwardCL", err))
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		upReq.Header.Set("Content-Type", ct)
	}

	start := time.Now()
	resp, err := f.Client.Do(upReq)
	if f.Metrics != nil {
		f.Metrics.CLRequestsTotal.WithLabelValues(node.Name).Inc()
		f.Metrics.CLRequestDuration.WithLabelValues(node.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		f.writeError(w, classifyTransportErr("Forwarder.ForwardCL", err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// classifyTransportErr distinguishes a context-deadline timeout (504) from
// any other transport failure (502), per spec.md §6.
func classifyTransportErr(op string, err error) *perror.ProxyError {
	if errors.Is(err, context.DeadlineExceeded) {
		return perror.New(perror.KindUpstreamTimeout, op, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perror.New(perror.KindUpstreamTimeout, op, err)
	}
	return perror.New(perror.KindUpstreamTransport, op, err)
}

func (f *Forwarder) writeError(w http.ResponseWriter, err error) {
	kind, ok := perror.KindOf(err)
	if !ok {
		kind = perror.KindUpstreamTransport
	}
	if f.Log != nil {
		f.Log.Warn("forward failed", "kind", kind.String(), "err", err)
	}
	http.Error(w, err.Error(), perror.HTTPStatus(kind))
}
