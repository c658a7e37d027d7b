package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
)

const (
	requestIDHeader = "X-Request-Id"
	userAgent       = "packfinderz-cartsync/1.0"
	maxErrorBody    = 64 << 10
)

// Config holds the remote cart service connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration

	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerOpenTimeout      time.Duration
	BreakerFailureThreshold uint32

	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient   *http.Client
	Interceptors []Interceptor
	Logger       *logger.Logger
}

func ConfigFrom(cfg config.RemoteConfig) Config {
	return Config{
		BaseURL:                 cfg.BaseURL,
		Timeout:                 cfg.Timeout,
		BreakerMaxRequests:      cfg.BreakerMaxRequests,
		BreakerInterval:         cfg.BreakerInterval,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
	}
}

// Client talks to the remote cart service. Every call runs through a circuit
// breaker and is classified into network failures (retry later) or
// rejections (the service said no).
type Client struct {
	baseURL string
	doer    Doer
	breaker *gobreaker.CircuitBreaker[[]byte]
	logg    *logger.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		doer:    Chain(httpClient, cfg.Interceptors...),
		logg:    cfg.Logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "remote-cart",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A rejection proves the service is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || !pkgerrors.IsNetwork(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if c.logg == nil {
				return
			}
			ctx := c.logg.WithFields(context.Background(), map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			c.logg.Warn(ctx, "remote.breaker.state_changed")
		},
	})
	return c, nil
}

// BreakerState reports the circuit state (closed, half-open, open).
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// do executes the request through the breaker and decodes a success body into result.
func (c *Client) do(req *http.Request, result any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "remote cart service unreachable")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, classify(resp.StatusCode, errBody)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "reading remote response")
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "remote cart service unavailable")
		}
		return err
	}

	if result != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "parsing remote response")
		}
	}
	return nil
}

type errorResponse struct {
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify maps an HTTP failure status onto the engine error taxonomy.
// Timeouts, throttling and server faults are transient; any other 4xx is a
// business rejection carrying the service's reason.
func classify(status int, body []byte) error {
	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)

	reason := parsed.Message
	code := ""
	if parsed.Error != nil {
		code = parsed.Error.Code
		if parsed.Error.Message != "" {
			reason = parsed.Error.Message
		}
	}

	details := map[string]any{"status": status}
	if code != "" {
		details["remoteCode"] = code
	}

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return pkgerrors.New(pkgerrors.CodeNetwork, fmt.Sprintf("remote cart service returned %d", status)).
			WithDetails(details)
	default:
		if reason == "" {
			reason = strings.ToLower(http.StatusText(status))
		}
		if reason == "" {
			reason = "request rejected"
		}
		return pkgerrors.New(pkgerrors.CodeRejected, reason).WithDetails(details)
	}
}
