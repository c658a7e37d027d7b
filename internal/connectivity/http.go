package connectivity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
)

// HTTPProbe polls a health endpoint of the remote cart service.
type HTTPProbe struct {
	*Manual

	url      string
	client   *http.Client
	interval time.Duration
	logg     *logger.Logger
}

func NewHTTPProbe(cfg config.ConnectivityConfig, logg *logger.Logger) (*HTTPProbe, error) {
	if cfg.HealthURL == "" {
		return nil, errors.New("health url is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &HTTPProbe{
		Manual:   NewManual(true),
		url:      cfg.HealthURL,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		logg:     logg,
	}, nil
}

// Check performs one probe and records the result.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if online != p.IsOnline() {
		p.logg.Info(p.logg.WithField(ctx, "online", online), "connectivity.changed")
	}
	p.Set(online)
	return online
}

// Run probes on every interval until ctx is cancelled.
func (p *HTTPProbe) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

func (p *HTTPProbe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
