// Package syncclient serializes local purchase data to the entitlement
// backend and deserializes the authoritative entitlement responses.
// Transient failures are retried with capped exponential backoff and
// jitter; validation rejections are never retried.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"purchasekit/internal/identity"
	"purchasekit/internal/models"
)

// Header names scoping every request, checked by the backend.
const (
	HeaderAPIKey   = "X-API-Key"
	HeaderUserID   = "X-User-ID"
	HeaderDeviceID = "X-Device-ID"
)

// Config holds connection and retry settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // single round-trip bound
	MaxRetries int           // retry budget for transient failures
	Backoff    backoffConfig
}

// DefaultConfig returns sane client settings for the given endpoint.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		Backoff: backoffConfig{
			Initial:    500 * time.Millisecond,
			Multiplier: 2,
			Jitter:     0.3,
			Max:        8 * time.Second,
		},
	}
}

// SetBackoff overrides the retry delays; zero fields keep their defaults.
func (c *Config) SetBackoff(initial, max time.Duration) {
	if initial > 0 {
		c.Backoff.Initial = initial
	}
	if max > 0 {
		c.Backoff.Max = max
	}
}

// Client talks to the backend on behalf of the current identity.
type Client struct {
	cfg      Config
	http     *http.Client
	identity *identity.Manager
	tracer   trace.Tracer
	log      zerolog.Logger
	rng      func() float64
}

// New creates a sync client. All requests are scoped by ids' current
// identity; responses that land after the identity changed are discarded.
func New(cfg Config, ids *identity.Manager, logger zerolog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		identity: ids,
		tracer:   otel.Tracer("purchasekit/syncclient"),
		log:      logger.With().Str("component", "syncclient").Logger(),
		rng:      rand.Float64,
	}
}

// ConfirmPurchase submits one transaction's metadata for backend
// confirmation and returns the authoritative entitlement set.
func (c *Client) ConfirmPurchase(ctx context.Context, req models.ConfirmPurchaseRequest) ([]models.EntitlementRecord, error) {
	ctx, span := c.tracer.Start(ctx, "syncclient.ConfirmPurchase")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.String("transaction.id", req.TransactionID),
	)

	return c.post(ctx, "/purchase", req)
}

// Restore submits the whole batch of held transactions in one round-trip.
func (c *Client) Restore(ctx context.Context, txns []models.ConfirmPurchaseRequest) ([]models.EntitlementRecord, error) {
	ctx, span := c.tracer.Start(ctx, "syncclient.Restore")
	defer span.End()
	span.SetAttributes(attribute.Int("transaction.count", len(txns)))

	return c.post(ctx, "/subscriptions/restore", models.RestoreRequest{Transactions: txns})
}

// post runs the retry loop around one logical request. The identity epoch
// is captured before the first attempt; if logout happens while the
// request is in flight, the response is dropped with ErrIdentityStale
// instead of being applied.
func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]models.EntitlementRecord, error) {
	id, epoch := c.identity.Current()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr *models.SyncError
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff.nextDelay(attempt-1, c.rng())
			c.log.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying backend request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &models.SyncError{Kind: models.SyncNetwork, Err: ctx.Err()}
			}
		}

		records, syncErr := c.doOnce(ctx, path, id, body)
		if syncErr == nil {
			if c.identity.Stale(epoch) {
				c.log.Warn().Str("path", path).Msg("discarding response under stale identity")
				return nil, models.ErrIdentityStale
			}
			return records, nil
		}

		lastErr = syncErr
		if !syncErr.Retryable() {
			return nil, syncErr
		}
	}

	c.log.Warn().Str("path", path).Int("retries", c.cfg.MaxRetries).Err(lastErr).
		Msg("retry budget exhausted")
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, id models.Identity, body []byte) ([]models.EntitlementRecord, *models.SyncError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &models.SyncError{Kind: models.SyncNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, c.cfg.APIKey)
	req.Header.Set(HeaderUserID, id.UserID)
	req.Header.Set(HeaderDeviceID, id.DeviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.SyncError{Kind: models.SyncNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out models.EntitlementResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, &models.SyncError{Kind: models.SyncNetwork, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("failed to decode entitlement response: %w", err)}
		}
		return out.Entitlements, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &models.SyncError{Kind: models.SyncNetwork, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("backend unavailable: %s", readError(resp.Body))}

	default:
		// 4xx: the backend rejected the payload; retrying cannot help.
		return nil, &models.SyncError{Kind: models.SyncValidation, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("backend rejected request: %s", readError(resp.Body))}
	}
}

func readError(r io.Reader) string {
	var er models.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&er); err == nil && er.Error != "" {
		return er.Error
	}
	return "no error detail"
}
