package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/sundayezeilo/tokengate/internal/httpx"
	"github.com/sundayezeilo/tokengate/internal/identity"
)

// SubjectHeader carries the authenticated subject to the upstream.
const SubjectHeader = "X-Subject-ID"

// NewHTTPTransport returns the pooled transport used for upstream requests.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ProxyConfig holds configuration for the upstream proxy.
type ProxyConfig struct {
	Upstream  *url.URL
	Timeout   time.Duration // per request; 0 disables
	Transport http.RoundTripper
	// StripHeaders are removed before forwarding, e.g. the API-key header.
	StripHeaders []string
	Logger       *slog.Logger
}

// Proxy forwards requests to the upstream service.
type Proxy struct {
	rp      *httputil.ReverseProxy
	timeout time.Duration
	logger  *slog.Logger
}

// NewProxy creates a Proxy for cfg.Upstream.
func NewProxy(cfg ProxyConfig) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport()
	}

	p := &Proxy{timeout: cfg.Timeout, logger: logger}
	target := cfg.Upstream
	strip := append([]string(nil), cfg.StripHeaders...)

	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			for _, h := range strip {
				pr.Out.Header.Del(h)
			}

			// Never trust a client-supplied subject.
			pr.Out.Header.Del(SubjectHeader)
			if principal, ok := identity.FromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(SubjectHeader, principal.SubjectID)
			}
			if id := httpx.GetRequestID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(httpx.RequestIDHeader, id)
			}
		},
		Transport:    transport,
		ErrorHandler: p.handleError,
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	status, code, msg := http.StatusBadGateway, "bad_gateway", "Upstream service unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		status, code, msg = http.StatusGatewayTimeout, "gateway_timeout", "Upstream service timed out"
	}

	p.logger.ErrorContext(ctx, "upstream request failed",
		"request_id", httpx.GetRequestID(ctx),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err.Error(),
	)

	httpx.WriteError(w, status, code, msg, nil)
}
