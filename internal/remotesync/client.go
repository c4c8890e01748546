// Package remotesync implements the aggregator client (C6): one-time
// app registration, the daily anonymized upload of action counts, and
// the cold-start global model fetch. Action names cross the wire only
// as deterministic AES-GCM ciphertexts, so the server can join equal
// actions across clients without ever seeing a plaintext name.
package remotesync

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/predictlib/corelib/internal/core"
)

const (
	appIDKey  = "prediction_model_app_id"
	userAgent = "predictlib/1.0"
)

// Config tunes the client's outbound behavior.
type Config struct {
	ServerURL         string
	RequestTimeout    time.Duration
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
}

// Client is the remote sync client. All three operations are
// individually cancellable via their contexts and bounded by the
// configured request timeout; network failures are classified into
// core.NetworkFailure / core.ProtocolMismatch and are never fatal to
// the library.
type Client struct {
	cfg        Config
	httpClient *http.Client
	kv         core.KeyValueStore
	crypto     core.Crypto
	engine     core.PredictionEngine
	limiter    *rate.Limiter
	log        *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	fallbackAppID string
}

// New creates a Client. The HTTP client enforces a TLS 1.2 floor,
// bounded connection pooling, and per-phase dial/header timeouts.
func New(cfg Config, kv core.KeyValueStore, crypto core.Crypto, engine core.PredictionEngine, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}

	httpClient := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: cfg.RequestTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		kv:         kv,
		crypto:     crypto,
		engine:     engine,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		log:        log,
		now:        time.Now,
	}
}

// Enabled reports whether a server URL is configured at all.
func (c *Client) Enabled() bool { return c.cfg.ServerURL != "" }

type registerResponse struct {
	AppID string `json:"appId"`
}

// AppID returns the installation's app id: the persisted one if
// present, otherwise the result of registering with the server. When
// registration fails, a "fallback-<ms>" id is minted and held in memory
// only — never persisted — so the next session retries registration
// while this one keeps operating locally.
func (c *Client) AppID(ctx context.Context) (string, error) {
	stored, found, err := c.kv.Get(ctx, appIDKey)
	if err != nil {
		return "", err
	}
	if found {
		return stored, nil
	}

	c.mu.Lock()
	fallback := c.fallbackAppID
	c.mu.Unlock()
	if fallback != "" {
		return fallback, nil
	}

	body, err := c.doRequest(ctx, http.MethodPost, c.cfg.ServerURL+"/register-app", []byte(`{}`))
	if err == nil {
		var resp registerResponse
		if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil || resp.AppID == "" {
			err = &core.ProtocolMismatch{Op: "register", Detail: "response missing appId"}
		} else {
			if putErr := c.kv.Put(ctx, appIDKey, resp.AppID); putErr != nil {
				return "", putErr
			}
			c.log.Info("registered app", "app_id", resp.AppID)
			return resp.AppID, nil
		}
	}

	fallback = fmt.Sprintf("fallback-%d", c.now().UnixMilli())
	c.mu.Lock()
	c.fallbackAppID = fallback
	c.mu.Unlock()
	c.log.Warn("app registration failed, continuing with fallback id",
		"app_id", fallback, "error", err)
	return fallback, nil
}

type uploadInteraction struct {
	ActionType   string `json:"actionType"`
	ActionTypeIV string `json:"actionTypeIV"`
	Count        int64  `json:"count"`
}

type uploadRequest struct {
	AppID        string              `json:"appId"`
	Interactions []uploadInteraction `json:"interactions"`
}

// Upload posts the per-action counts of the current bounded history,
// with each action name sealed deterministically so the server can
// aggregate equal actions across clients. An empty history is a no-op.
// The engine snapshot is taken before any encryption await, so later
// updates cannot mutate under the upload.
func (c *Client) Upload(ctx context.Context) error {
	counts := c.engine.RecentActionCounts()
	if len(counts) == 0 {
		c.log.Debug("upload skipped, history empty")
		return nil
	}

	appID, err := c.AppID(ctx)
	if err != nil {
		return err
	}

	actions := make([]string, 0, len(counts))
	for action := range counts {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	interactions := make([]uploadInteraction, 0, len(actions))
	for _, action := range actions {
		ciphertext, iv, err := c.crypto.EncryptDeterministic(ctx, action)
		if err != nil {
			return err
		}
		interactions = append(interactions, uploadInteraction{
			ActionType:   ciphertext,
			ActionTypeIV: iv,
			Count:        counts[action],
		})
	}

	payload, err := json.Marshal(uploadRequest{AppID: appID, Interactions: interactions})
	if err != nil {
		return &core.ProtocolMismatch{Op: "upload", Detail: "failed to marshal payload: " + err.Error()}
	}

	if _, err := c.doRequest(ctx, http.MethodPost, c.cfg.ServerURL+"/upload-anonymous-data", payload); err != nil {
		return err
	}
	c.log.Info("uploaded anonymized action counts", "actions", len(interactions))
	return nil
}

type globalModelResponse struct {
	GlobalActionCounter    map[string]int64         `json:"globalActionCounter"`
	GlobalActionCounterIVs map[string]string        `json:"globalActionCounterIVs"`
	TimePatterns           map[string]map[int]int64 `json:"timePatterns"`
	TimePatternsIVs        map[string]string        `json:"timePatternsIVs"`
}

// FetchGlobalModel pulls the server-aggregated cross-user model and
// decrypts its ciphertext keys back to plaintext action names. A
// ciphertext without a matching IV, or one the key cannot open, is a
// ProtocolMismatch — the caller treats it like any network failure.
func (c *Client) FetchGlobalModel(ctx context.Context) (core.GlobalModel, error) {
	appID, err := c.AppID(ctx)
	if err != nil {
		return core.GlobalModel{}, err
	}

	body, err := c.doRequest(ctx, http.MethodGet, c.cfg.ServerURL+"/global-model/"+appID, nil)
	if err != nil {
		return core.GlobalModel{}, err
	}

	var resp globalModelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.GlobalModel{}, &core.ProtocolMismatch{Op: "fetch_global_model", Detail: "malformed response: " + err.Error()}
	}

	model := core.GlobalModel{
		GlobalActionCounter: make(map[string]int64, len(resp.GlobalActionCounter)),
		TimePatterns:        make(map[string]map[int]int64, len(resp.TimePatterns)),
	}

	for ciphertext, count := range resp.GlobalActionCounter {
		iv, ok := resp.GlobalActionCounterIVs[ciphertext]
		if !ok {
			return core.GlobalModel{}, &core.ProtocolMismatch{Op: "fetch_global_model", Detail: "counter ciphertext without IV"}
		}
		action, err := c.crypto.Decrypt(ciphertext, iv)
		if err != nil {
			return core.GlobalModel{}, &core.ProtocolMismatch{Op: "fetch_global_model", Detail: "counter key failed to decrypt"}
		}
		model.GlobalActionCounter[action] = count
	}

	for ciphertext, hours := range resp.TimePatterns {
		iv, ok := resp.TimePatternsIVs[ciphertext]
		if !ok {
			return core.GlobalModel{}, &core.ProtocolMismatch{Op: "fetch_global_model", Detail: "time pattern ciphertext without IV"}
		}
		action, err := c.crypto.Decrypt(ciphertext, iv)
		if err != nil {
			return core.GlobalModel{}, &core.ProtocolMismatch{Op: "fetch_global_model", Detail: "time pattern key failed to decrypt"}
		}
		model.TimePatterns[action] = hours
	}

	c.log.Info("fetched global model",
		"actions", len(model.GlobalActionCounter), "time_actions", len(model.TimePatterns))
	return model, nil
}

// doRequest executes one HTTP call with rate limiting and exponential
// backoff retry on connection errors and 5xx responses. 4xx responses
// are not retried: the request will not get better.
func (c *Client) doRequest(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	op := method + " " + url
	backoff := c.cfg.BaseBackoff

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying request", "op", op, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &core.NetworkFailure{Op: op, Cause: ctx.Err()}
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &core.NetworkFailure{Op: op, Cause: err}
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, &core.NetworkFailure{Op: op, Cause: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &core.NetworkFailure{Op: op, Cause: err}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = &core.NetworkFailure{Op: op, Cause: readErr}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode >= 500:
			lastErr = &core.NetworkFailure{Op: op, Cause: fmt.Errorf("server returned %d", resp.StatusCode)}
			continue
		default:
			return nil, &core.NetworkFailure{Op: op, Cause: fmt.Errorf("server returned %d", resp.StatusCode)}
		}
	}
	return nil, lastErr
}

var _ core.RemoteSync = (*Client)(nil)
