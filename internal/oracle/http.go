package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures the REST floor-price client.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	Client            HTTPDoer
}

// HTTPOracle reads floor values from a REST authority exposing
// GET /collections/{asset}/floor, GET /collections/{asset} and GET /health.
type HTTPOracle struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	limiter  *rate.Limiter
}

type floorResponse struct {
	Collection string      `json:"collection"`
	FloorPrice json.Number `json:"floorPrice"`
	UpdatedAt  int64       `json:"updatedAt"`
}

func NewHTTPOracle(cfg HTTPConfig) (*HTTPOracle, error) {
	ep := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if ep == "" {
		return nil, fmt.Errorf("oracle endpoint is required")
	}
	if _, err := url.Parse(ep); err != nil {
		return nil, fmt.Errorf("parse oracle endpoint: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	o := &HTTPOracle{client: client, endpoint: ep, apiKey: strings.TrimSpace(cfg.APIKey)}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return o, nil
}

func (o *HTTPOracle) get(ctx context.Context, path string) (*http.Response, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("x-api-key", o.apiKey)
	}
	return o.client.Do(req)
}

func collectionPath(assetID string) string {
	return "/collections/" + url.PathEscape(normaliseAsset(assetID))
}

func (o *HTTPOracle) ObservedValue(ctx context.Context, assetID string) (uint64, error) {
	resp, err := o.get(ctx, collectionPath(assetID)+"/floor")
	if err != nil {
		return 0, wrapUnavailable("http oracle", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, unavailable("http oracle: unknown asset %q", assetID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, unavailable("http oracle: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload floorResponse
	if err := decoder.Decode(&payload); err != nil {
		return 0, wrapUnavailable("http oracle: decode", err)
	}
	raw := strings.TrimSpace(payload.FloorPrice.String())
	if raw == "" {
		return 0, unavailable("http oracle: empty floor price for %q", assetID)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, unavailable("http oracle: invalid floor price %q", raw)
	}
	return value, nil
}

func (o *HTTPOracle) AuthorityValid(ctx context.Context) (bool, error) {
	resp, err := o.get(ctx, "/health")
	if err != nil {
		return false, wrapUnavailable("http oracle health", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK, nil
}

func (o *HTTPOracle) VerifyAssetExists(ctx context.Context, assetID string) (bool, error) {
	resp, err := o.get(ctx, collectionPath(assetID))
	if err != nil {
		return false, wrapUnavailable("http oracle", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, unavailable("http oracle: status %d", resp.StatusCode)
	}
}

func (o *HTTPOracle) Ping(ctx context.Context) error {
	ok, err := o.AuthorityValid(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return unavailable("http oracle unhealthy")
	}
	return nil
}
