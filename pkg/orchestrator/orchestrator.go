// Package orchestrator is a thin capability over the stack-management API,
// modeled on Portainer's /api/stacks surface, per spec.md §4.C.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Errors surfaced to the Update Engine's stack phase per spec.md §7.
var (
	ErrManifestNotFound = errors.New("orchestrator: manifest not found")
	ErrAuth             = errors.New("orchestrator: authentication failed")
	ErrTransport        = errors.New("orchestrator: transport error")
)

// Stack is the subset of Portainer's stack model the Update Engine needs.
type Stack struct {
	ID         int
	Name       string
	EndpointID int
	Type       int // 1=swarm, 2=compose; only these are processed
}

// EnvVar is a single stack environment variable.
type EnvVar struct {
	Name  string
	Value string
}

// Gateway is a constructor-scoped capability over a single Portainer
// instance. An empty URL produces a Gateway whose Disabled reports true,
// realizing the "capability with a disabled configuration" approach from
// spec.md §9 instead of a null-object implementation.
type Gateway struct {
	baseURL    string
	apiKey     string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	tokenMu sync.Mutex
	token   string // cached JWT, process-lifetime
}

// Config configures a Gateway.
type Config struct {
	URL           string
	APIKey        string
	Username      string
	Password      string
	InsecureTLS   bool
}

// New builds a Gateway. Passing an empty Config.URL is valid and produces a
// disabled Gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	transport := &http.Transport{}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for self-hosted deployments, per spec.md §4.C
	}

	return &Gateway{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Disabled reports whether no orchestrator is configured for this cycle.
func (g *Gateway) Disabled() bool {
	return g.baseURL == ""
}

// ListStacks enumerates every stack Portainer knows about.
func (g *Gateway) ListStacks(ctx context.Context) ([]Stack, error) {
	var raw []struct {
		ID         int    `json:"Id"`
		Name       string `json:"Name"`
		EndpointID int    `json:"EndpointId"`
		Type       int    `json:"Type"`
	}

	if err := g.getJSON(ctx, "/api/stacks", &raw); err != nil {
		return nil, err
	}

	out := make([]Stack, 0, len(raw))
	for _, s := range raw {
		out = append(out, Stack{ID: s.ID, Name: s.Name, EndpointID: s.EndpointID, Type: s.Type})
	}

	return out, nil
}

// GetManifest fetches a stack's compose manifest text, unwrapping the
// {"StackFileContent": "..."} envelope. A 404 yields ErrManifestNotFound so
// the stack phase can skip UI-created stacks without a stored file.
func (g *Gateway) GetManifest(ctx context.Context, stackID int) (string, error) {
	var envelope struct {
		StackFileContent string `json:"StackFileContent"`
	}

	path := fmt.Sprintf("/api/stacks/%d/file", stackID)
	if err := g.getJSON(ctx, path, &envelope); err != nil {
		return "", err
	}

	return envelope.StackFileContent, nil
}

// GetStackEnv fetches a stack's environment variable list.
func (g *Gateway) GetStackEnv(ctx context.Context, stackID int) ([]EnvVar, error) {
	var detail struct {
		Env []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"Env"`
	}

	path := fmt.Sprintf("/api/stacks/%d", stackID)
	if err := g.getJSON(ctx, path, &detail); err != nil {
		return nil, err
	}

	out := make([]EnvVar, 0, len(detail.Env))
	for _, e := range detail.Env {
		out = append(out, EnvVar{Name: e.Name, Value: e.Value})
	}

	return out, nil
}

// RedeployOptions is the fixed option set the Update Engine always passes,
// per spec.md §4.E.2 step 3.
type RedeployOptions struct {
	Prune    bool
	Pull     bool
	Recreate string
}

// Redeploy pushes yaml and env back to Portainer with the given options.
func (g *Gateway) Redeploy(ctx context.Context, stackID, endpointID int, yaml string, env []EnvVar, opts RedeployOptions) error {
	envPayload := make([]map[string]string, 0, len(env))
	for _, e := range env {
		envPayload = append(envPayload, map[string]string{"name": e.Name, "value": e.Value})
	}

	body, err := json.Marshal(map[string]any{
		"StackFileContent": yaml,
		"Env":              envPayload,
		"Prune":            opts.Prune,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal redeploy body: %w", err)
	}

	query := url.Values{}
	query.Set("endpointId", strconv.Itoa(endpointID))
	query.Set("method", "string")
	query.Set("pullImage", strconv.FormatBool(opts.Pull))
	query.Set("recreate", opts.Recreate)

	path := fmt.Sprintf("/api/stacks/%d?%s", stackID, query.Encode())

	_, err = g.do(ctx, http.MethodPut, path, body)

	return err
}

// getJSON performs a GET and decodes the JSON response body into out.
func (g *Gateway) getJSON(ctx context.Context, path string, out any) error {
	respBody, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("orchestrator: decode response from %s: %w", path, err)
	}

	return nil
}

// do issues a single HTTP request, retrying transient transport failures
// with bounded exponential backoff, and refreshing the cached JWT exactly
// once on a 401 when username/password auth is configured.
func (g *Gateway) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	respBody, status, err := g.attempt(ctx, method, path, body)

	if status == http.StatusUnauthorized && g.username != "" {
		g.invalidateToken()

		respBody, status, err = g.attempt(ctx, method, path, body)
	}

	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound:
		return nil, ErrManifestNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, ErrAuth
	case status >= 400:
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrTransport, method, path, status)
	default:
		return respBody, nil
	}
}

func (g *Gateway) attempt(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	op := func() ([]byte, error) {
		return g.doOnce(ctx, method, path, body)
	}

	result, err := backoff.Retry(ctx, wrapStatus(op), backoff.WithMaxTries(3))
	if err != nil {
		var se *statusErr
		if errors.As(err, &se) {
			return se.body, se.status, nil
		}

		return nil, 0, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}

	return result.body, result.status, nil
}

type statusResult struct {
	body   []byte
	status int
}

type statusErr struct {
	body   []byte
	status int
}

func (e *statusErr) Error() string { return fmt.Sprintf("status %d", e.status) }

// wrapStatus turns a raw HTTP round trip into a backoff-retryable operation:
// 5xx responses are retried, everything else is returned immediately
// (including 4xx, which the caller classifies itself).
func wrapStatus(op func() ([]byte, error)) func() (statusResult, error) {
	return func() (statusResult, error) {
		body, err := op()
		if err == nil {
			return statusResult{body: body, status: http.StatusOK}, nil
		}

		var se *statusErr
		if errors.As(err, &se) {
			if se.status >= 500 {
				return statusResult{}, err
			}

			return statusResult{body: se.body, status: se.status}, nil
		}

		return statusResult{}, err
	}
}

func (g *Gateway) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := g.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &statusErr{body: respBody, status: resp.StatusCode}
	}

	return respBody, nil
}

// authorize sets either the X-API-Key header or a cached Bearer token,
// logging in lazily on first use when only username/password are
// configured.
func (g *Gateway) authorize(ctx context.Context, req *http.Request) error {
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
		return nil
	}

	token, err := g.ensureToken(ctx)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+token)

	return nil
}

func (g *Gateway) ensureToken(ctx context.Context) (string, error) {
	g.tokenMu.Lock()
	defer g.tokenMu.Unlock()

	if g.token != "" {
		return g.token, nil
	}

	token, err := g.login(ctx)
	if err != nil {
		return "", err
	}

	g.token = token

	return token, nil
}

func (g *Gateway) invalidateToken() {
	g.tokenMu.Lock()
	g.token = ""
	g.tokenMu.Unlock()
}

func (g *Gateway) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"Username": g.username, "Password": g.password})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrAuth
	}

	var result struct {
		JWT string `json:"jwt"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode login response: %w", ErrAuth, err)
	}

	return result.JWT, nil
}
