package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// Prober waits until a unit answers HTTP on its host port.
type Prober interface {
	Ready(ctx context.Context, host string, port int) error
}

// HTTPProber polls http://host:port/ until any response arrives.
type HTTPProber struct {
	client   *http.Client
	interval time.Duration
}

// NewHTTPProber constructs a prober polling at interval.
func NewHTTPProber(interval time.Duration) *HTTPProber {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &HTTPProber{
		client:   &http.Client{Timeout: 2 * time.Second},
		interval: interval,
	}
}

func (p *HTTPProber) Ready(ctx context.Context, host string, port int) error {
	url := fmt.Sprintf("http://%s:%d/", host, port)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("unit on port %d not ready: %w: %v", port, domain.ErrRuntime, lastErr)
		case <-ticker.C:
		}
	}
}

// NoopProber reports every unit ready immediately.
type NoopProber struct{}

func (NoopProber) Ready(context.Context, string, int) error { return nil }
