// Package keepalive pings the relay's own public URL so hosting
// platforms that idle inactive services keep it running.
package keepalive

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/HMasataka/familyrelay/internal/logging"
)

// Options represents pinger configuration
type Options struct {
	// URL is requested on every tick. Empty disables the pinger.
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *logging.Logger
}

// Pinger issues periodic GET requests and ignores their outcome
type Pinger struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *logging.Logger
}

// URLForHost returns the https root URL for host, or "" when host is empty
func URLForHost(host string) string {
	if host == "" {
		return ""
	}
	return "https://" + host + "/"
}

// New creates a pinger
func New(opts Options) *Pinger {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	return &Pinger{
		url:      opts.URL,
		interval: opts.Interval,
		client:   opts.Client,
		logger:   opts.Logger,
	}
}

// Enabled reports whether a target URL is configured
func (p *Pinger) Enabled() bool {
	return p.url != ""
}

// Run pings on every tick until ctx is done. It returns nil
// immediately when disabled.
func (p *Pinger) Run(ctx context.Context) error {
	if !p.Enabled() {
		p.logger.Info("keepalive disabled")
		return nil
	}

	p.logger.Info("keepalive started", "url", p.url, "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Ping(ctx)
		}
	}
}

// Ping issues one request. Failures are logged at debug and otherwise
// ignored.
func (p *Pinger) Ping(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("keepalive request invalid", "error", err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("keepalive ping failed", "error", err)
		return
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	p.logger.Debug("keepalive ping", "status", resp.StatusCode)
}
