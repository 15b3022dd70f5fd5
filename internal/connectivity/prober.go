package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/logging"
	"go.uber.org/zap"
)

// Prober feeds a Monitor by periodically fetching a URL. Any HTTP response
// below 500 counts as reachable.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	monitor  *Monitor
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober. A nil client gets one with a 5s timeout.
func NewProber(url string, interval time.Duration, client *http.Client, m *Monitor, logger *zap.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger = logging.OrNop(logger)
	return &Prober{url: url, interval: interval, client: client, monitor: m, logger: logger}
}

// Start probes once immediately, then on every interval.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop stops the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.monitor.SetNetwork(p.Probe(ctx))
	for {
		select {
		case <-ticker.C:
			p.monitor.SetNetwork(p.Probe(ctx))
		case <-ctx.Done():
			return
		}
	}
}

// Probe performs one reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("bad probe url", zap.String("url", p.url), zap.Error(err))
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.Error(err))
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
