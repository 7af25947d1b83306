// Package proxy implements the credential-injection forward proxy (spec
// §4.5): every outbound HTTP request from a sandbox passes through it. It
// enforces a per-tenant host allow-list, signs requests bound for a
// configured cloud inference endpoint using process-local credentials the
// sandbox never sees, and substitutes ephemeral tokens into per-tenant MCP
// header rules. Two deployment shapes share this core: InProcessProxy
// (local backend, updated via a direct method call) and SidecarProxy
// (remote backend, updated over its own admin HTTP endpoint) per spec §9.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/ocx/workspace-orchestrator/internal/metrics"
	"github.com/ocx/workspace-orchestrator/internal/proxy/signing"
)

// MCPRule maps an outbound host to a header template whose `${token_name}`
// placeholders are filled from an execution's ephemeral token map (spec
// §4.5, §6 GLOSSARY "MCP rule").
type MCPRule struct {
	Host    string
	Headers map[string]string // header name -> template with ${token_name} placeholders
}

// Rules is the live, swappable rule set for one execution's proxy: the
// allow-list, the MCP rules, and the ephemeral token values to substitute.
type Rules struct {
	AllowedHosts []string
	MCPRules     []MCPRule
	Tokens       map[string]string
}

func (r Rules) hostAllowed(host string) bool {
	for _, h := range r.AllowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func (r Rules) matchMCPRule(host string) (MCPRule, bool) {
	for _, rule := range r.MCPRules {
		if strings.EqualFold(rule.Host, host) {
			return rule, true
		}
	}
	return MCPRule{}, false
}

// Config configures the forward proxy's signing endpoint and listen
// addresses (spec §6 ProxyConfig).
type Config struct {
	ListenAddr          string
	AdminAddr           string
	SigningEndpointHost string
}

// Proxy is the shared forward-proxy handler; InProcessProxy and
// SidecarProxy both wrap it, differing only in how rules are updated.
type Proxy struct {
	cfg    Config
	signer *signing.Signer
	mu     sync.RWMutex
	rules  Rules
	log    *slog.Logger
}

// New constructs a Proxy with an initially empty rule set.
func New(cfg Config, signer *signing.Signer) *Proxy {
	return &Proxy{cfg: cfg, signer: signer, log: slog.With("component", "proxy")}
}

// SetRules atomically replaces the live rule set (the in-process update
// path for a co-located local-backend proxy, spec §4.5).
func (p *Proxy) SetRules(rules Rules) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = rules
}

func (p *Proxy) currentRules() Rules {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rules
}

// ServeHTTP handles one proxied request: allow-list check, signing, MCP
// token substitution, then forward.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rules := p.currentRules()
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
	}

	if !rules.hostAllowed(host) {
		metrics.ProxyBlocked.WithLabelValues(host).Inc()
		p.log.Warn("blocked outbound request", "host", host)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"host not allowed"}`))
		return
	}

	if rule, ok := rules.matchMCPRule(host); ok {
		for name, template := range rule.Headers {
			r.Header.Set(name, substituteTokens(template, rules.Tokens))
		}
	}

	if p.signer != nil && strings.EqualFold(host, p.cfg.SigningEndpointHost) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadGateway)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		sig := p.signer.Sign(body)
		r.Header.Set("X-Signature", sig)
	}

	target := &url.URL{Scheme: r.URL.Scheme, Host: r.URL.Host}
	if target.Scheme == "" {
		target.Scheme = "https"
	}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ServeHTTP(w, r)
}

// substituteTokens replaces ${name} placeholders in template with values
// from tokens, leaving unmatched placeholders untouched.
func substituteTokens(template string, tokens map[string]string) string {
	out := template
	for name, value := range tokens {
		out = strings.ReplaceAll(out, "${"+name+"}", value)
	}
	return out
}

// Health reports proxy liveness (spec §6 "GET /health").
func (p *Proxy) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// InProcessProxy is the co-located (local backend) deployment: rules are
// updated by a direct method call from the orchestrator in the same
// process, with no network hop (spec §4.5, §9).
type InProcessProxy struct {
	*Proxy
}

// NewInProcessProxy wraps Proxy for co-located use.
func NewInProcessProxy(cfg Config, signer *signing.Signer) *InProcessProxy {
	return &InProcessProxy{Proxy: New(cfg, signer)}
}

// UpdateRules installs a new rule set in-process, used before each
// execution is dispatched to its sandbox (spec §4.2 step 5).
func (p *InProcessProxy) UpdateRules(rules Rules) {
	p.SetRules(rules)
}

// SidecarProxy is the remote-backend deployment: the proxy runs as a
// sibling process in the task's network namespace and rules are updated
// over its admin HTTP endpoint (spec §4.5, §9).
type SidecarProxy struct {
	*Proxy
}

// NewSidecarProxy wraps Proxy for sidecar use, additionally serving
// POST /admin/update-rules.
func NewSidecarProxy(cfg Config, signer *signing.Signer) *SidecarProxy {
	return &SidecarProxy{Proxy: New(cfg, signer)}
}

// Run starts the forward proxy and its admin endpoint, blocking until ctx
// is cancelled or either server fails.
func (p *SidecarProxy) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.Health)
	mux.HandleFunc("/", p.ServeHTTP)
	proxySrv := &http.Server{Addr: p.cfg.ListenAddr, Handler: mux}

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/admin/update-rules", p.handleUpdateRules)
	adminSrv := &http.Server{Addr: p.cfg.AdminAddr, Handler: adminMux}

	errCh := make(chan error, 2)
	go func() { errCh <- proxySrv.ListenAndServe() }()
	go func() { errCh <- adminSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		proxySrv.Close()
		adminSrv.Close()
		return ctx.Err()
	case err := <-errCh:
		proxySrv.Close()
		adminSrv.Close()
		return err
	}
}

func (p *SidecarProxy) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AllowedHosts []string          `json:"allowed_hosts"`
		MCPRules     []MCPRule         `json:"mcp_rules"`
		Tokens       map[string]string `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode rules: %v", err), http.StatusBadRequest)
		return
	}
	p.SetRules(Rules{AllowedHosts: req.AllowedHosts, MCPRules: req.MCPRules, Tokens: req.Tokens})
	w.WriteHeader(http.StatusOK)
}
