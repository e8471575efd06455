// Package provider wraps each external data source behind a uniform
// invoke contract: capability authorization, budget pacing, bounded
// retries, and a TTL cache for idempotent lookups. Domain semantics of the
// returned records are opaque; only errors and throttling are normalized.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/patientmap/patientmapd/internal/budget"
	"github.com/patientmap/patientmapd/internal/capability"
	"github.com/patientmap/patientmapd/internal/config"
	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/telemetry"
)

// Args are the capability call arguments, passed through to the provider.
type Args map[string]string

// Result is a normalized provider response.
type Result struct {
	Capability capability.Name `json:"capability"`
	Data       json.RawMessage `json:"data"`
	FromCache  bool            `json:"from_cache,omitempty"`
}

// Invoker is the uniform invocation surface work units call. kind is the
// calling work-unit kind, checked against the capability registry before
// anything leaves the process.
type Invoker interface {
	Invoke(ctx context.Context, kind string, cap capability.Name, args Args) (*Result, error)
}

// endpoint describes the provider-native route for one capability.
type endpoint struct {
	method string
	path   string // ":id" is replaced by args["id"]
}

// endpoints maps each externally served capability onto its provider route.
var endpoints = map[capability.Name]endpoint{
	capability.LiteratureSearch: {method: http.MethodGet, path: "/esearch"},
	capability.LiteratureLookup: {method: http.MethodGet, path: "/articles/:id"},
	capability.BiblioEnrich:     {method: http.MethodGet, path: "/works/:id"},
	capability.TrialsSearch:     {method: http.MethodGet, path: "/studies"},
	capability.TrialsLookup:     {method: http.MethodGet, path: "/studies/:id"},
	capability.SequenceAlign:    {method: http.MethodPost, path: "/align"},
}

// Adapter serves the capabilities of one external provider.
type Adapter struct {
	name       string
	baseURL    string
	apiKey     string
	client     *http.Client
	registry   *capability.Registry
	governor   *budget.Governor
	cache      *cache
	maxRetries int
	logger     *logging.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *logging.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = logger }
}

// WithHTTPClient overrides the HTTP client. Tests use this.
func WithHTTPClient(client *http.Client) AdapterOption {
	return func(a *Adapter) { a.client = client }
}

// NewAdapter builds an adapter for one provider and registers its budget
// with the governor.
func NewAdapter(name string, cfg config.ProviderConfig, registry *capability.Registry, governor *budget.Governor, opts ...AdapterOption) *Adapter {
	governor.Register(name,
		budget.Limit{
			WindowDuration:    cfg.WindowDuration.Duration(),
			MaxCallsPerWindow: cfg.MaxCallsPerWindow,
		},
		budget.Backoff{
			Base:          cfg.BackoffBase.Duration(),
			Cap:           cfg.BackoffCap.Duration(),
			JitterCeiling: cfg.JitterCeiling.Duration(),
			MaxRetries:    cfg.MaxRetries,
		})

	a := &Adapter{
		name:       name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey.Value(),
		client:     &http.Client{Timeout: cfg.Timeout.Duration()},
		registry:   registry,
		governor:   governor,
		cache:      newCache(cfg.CacheTTL.Duration()),
		maxRetries: max(cfg.MaxRetries, 1),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider name the adapter is billed against.
func (a *Adapter) Name() string { return a.name }

// Invoke performs one capability call: authorize, acquire a budget permit,
// call the provider, retry transients with the governor's backoff, fail
// permanent errors immediately. MaxRetries is the total attempt count,
// not the retries after the first call.
func (a *Adapter) Invoke(ctx context.Context, kind string, cap capability.Name, args Args) (*Result, error) {
	if capability.Provider(cap) != a.name {
		return nil, fmt.Errorf("capability %s is not served by provider %s", cap, a.name)
	}
	if !a.registry.Authorize(kind, cap) {
		return nil, &capability.DeniedError{Kind: kind, Capability: cap}
	}

	var key string
	if capability.Idempotent(cap) {
		key = cacheKey(cap, args)
		if data, ok := a.cache.get(key); ok {
			telemetry.ProviderCallsTotal.WithLabelValues(a.name, "cache_hit").Inc()
			return &Result{Capability: cap, Data: data, FromCache: true}, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if err := a.governor.Acquire(ctx, a.name, 1); err != nil {
			return nil, err
		}

		data, err := a.doRequest(ctx, cap, args)
		if err == nil {
			a.governor.Settled(a.name)
			telemetry.ProviderCallsTotal.WithLabelValues(a.name, "success").Inc()
			if key != "" {
				a.cache.put(key, data)
			}
			return &Result{Capability: cap, Data: data}, nil
		}

		if !transient(err) {
			telemetry.ProviderCallsTotal.WithLabelValues(a.name, "permanent_error").Inc()
			return nil, permanentFromStatus(err)
		}

		lastErr = err
		telemetry.ProviderCallsTotal.WithLabelValues(a.name, "transient_error").Inc()
		a.logger.Warn(ctx, "transient provider error",
			zap.String("provider", a.name),
			zap.String("capability", string(cap)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt+1 == a.maxRetries {
			break
		}
		if throttled(err) {
			if terr := a.governor.Throttled(ctx, a.name, attempt); terr != nil {
				return nil, terr
			}
		} else if terr := a.sleepBackoff(ctx, attempt); terr != nil {
			return nil, terr
		}
	}

	if throttled(lastErr) {
		return nil, fmt.Errorf("%w: provider %s throttled across %d attempts for %s",
			budget.ErrRateLimitExceeded, a.name, a.maxRetries, cap)
	}
	return nil, fmt.Errorf("provider %s: retries exhausted for %s: %w", a.name, cap, lastErr)
}

// sleepBackoff applies the same backoff curve as the governor without
// recording a throttle signal.
func (a *Adapter) sleepBackoff(ctx context.Context, attempt int) error {
	b := budget.Backoff{Base: defaultTransientBase, Cap: defaultTransientCap, MaxRetries: a.maxRetries}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeAfter(b.Delay(attempt)):
		return nil
	}
}

func (a *Adapter) doRequest(ctx context.Context, cap capability.Name, args Args) (json.RawMessage, error) {
	ep, ok := endpoints[cap]
	if !ok {
		return nil, fmt.Errorf("%w: capability %s has no provider endpoint", ErrMalformedRequest, cap)
	}

	reqURL, body, err := a.buildRequest(ep, args)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, ep.method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &transportError{err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{provider: a.name, code: resp.StatusCode, body: string(respBody)}
	}
	return json.RawMessage(respBody), nil
}

func (a *Adapter) buildRequest(ep endpoint, args Args) (string, io.Reader, error) {
	path := ep.path
	rest := make(Args, len(args))
	for k, v := range args {
		rest[k] = v
	}

	if strings.Contains(path, ":id") {
		id, ok := args["id"]
		if !ok || id == "" {
			return "", nil, fmt.Errorf("%w: missing id argument", ErrMalformedRequest)
		}
		path = strings.Replace(path, ":id", url.PathEscape(id), 1)
		delete(rest, "id")
	}

	if ep.method == http.MethodPost {
		payload, err := json.Marshal(rest)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		return a.baseURL + path, bytes.NewReader(payload), nil
	}

	q := url.Values{}
	for k, v := range rest {
		q.Set(k, v)
	}
	reqURL := a.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}
	return reqURL, nil, nil
}

// Set routes capabilities to the adapter of the provider that serves them.
type Set map[string]*Adapter

// NewSet builds one adapter per configured provider.
func NewSet(cfgs map[string]config.ProviderConfig, registry *capability.Registry, governor *budget.Governor, opts ...AdapterOption) Set {
	set := make(Set, len(cfgs))
	for name, cfg := range cfgs {
		set[name] = NewAdapter(name, cfg, registry, governor, opts...)
	}
	return set
}

// ForCapability returns the adapter serving cap, or false for locally
// served capabilities.
func (s Set) ForCapability(cap capability.Name) (*Adapter, bool) {
	name := capability.Provider(cap)
	if name == "" {
		return nil, false
	}
	a, ok := s[name]
	return a, ok
}
