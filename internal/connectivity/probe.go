package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/kimhsiao/receiptsync/internal/logging"
)

// DefaultProbeInterval is used when no interval is configured.
const DefaultProbeInterval = 5 * time.Second

// Probe polls an HTTP health endpoint. Any response below 500 counts as
// online; transport errors and 5xx count as offline.
type Probe struct {
	*state
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProbe creates a Probe for url. It starts offline until the first check.
func NewProbe(url string, interval time.Duration, client *http.Client) *Probe {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	return &Probe{
		state:    newState(false),
		url:      url,
		interval: interval,
		client:   client,
	}
}

// Check performs one probe, updates the state and returns it.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if p.set(online) {
		logging.Info("Connectivity changed", map[string]interface{}{
			"online": online,
			"url":    p.url,
		})
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{
			"url":   p.url,
			"error": err.Error(),
		})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run checks immediately and then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
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
