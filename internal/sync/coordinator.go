// Package sync delivers the outbound queue and keeps optimistic messages
// reconciled with the server.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Options tunes the coordinator. Zero durations fall back to defaults.
type Options struct {
	Policy                  retry.Policy
	DrainInterval           time.Duration
	SentGrace               time.Duration
	ActionGrace             time.Duration
	StrictConversationOrder bool
}

func (o Options) withDefaults() Options {
	if o.Policy.MaxRetries <= 0 || o.Policy.BaseDelay <= 0 {
		o.Policy = retry.DefaultPolicy()
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 30 * time.Second
	}
	if o.SentGrace <= 0 {
		o.SentGrace = 5 * time.Second
	}
	if o.ActionGrace <= 0 {
		o.ActionGrace = time.Second
	}
	return o
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Queue     *outbox.Queue
	Transport Transport
	DB        *store.DB
	Monitor   *connectivity.Monitor
	Machine   *status.Machine
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Coordinator is the only caller of the Transport and the only writer of
// queue item status. Drains never overlap.
type Coordinator struct {
	queue      *outbox.Queue
	transport  Transport
	fetcher    Fetcher
	db         *store.DB
	reconciler *Reconciler
	engine     *Engine
	monitor    *connectivity.Monitor
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	opts       Options

	retries *retry.Scheduler
	grace   *retry.Scheduler

	mu      gosync.Mutex
	current *drainRun
	next    *drainScope

	lifeMu      gosync.Mutex
	unsubscribe func()

	bgMu     gosync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgClosed bool
	bg       gosync.WaitGroup
}

// NewCoordinator wires a coordinator. It does nothing until Initialize.
func NewCoordinator(d Deps, opts Options) *Coordinator {
	logger := logging.OrNop(d.Logger)
	r := NewReconciler(d.DB, d.Bus, logger)
	c := &Coordinator{
		queue:      d.Queue,
		transport:  d.Transport,
		db:         d.DB,
		reconciler: r,
		engine:     NewEngine(d.DB, r, d.Bus, logger),
		monitor:    d.Monitor,
		machine:    d.Machine,
		bus:        d.Bus,
		logger:     logger,
		opts:       opts.withDefaults(),
		retries:    retry.NewScheduler(),
		grace:      retry.NewScheduler(),
	}
	if f, ok := d.Transport.(Fetcher); ok {
		c.fetcher = f
	}
	return c
}

// Reconciler returns the placeholder reconciler.
func (c *Coordinator) Reconciler() *Reconciler { return c.reconciler }

// Initialize loads the queue and starts reacting to connectivity. Enqueue calls
// fail with chat.ErrNotInitialized until it returns.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.machine.Accepting() {
		return nil
	}
	if err := c.machine.Transition(status.Loading); err != nil {
		return err
	}
	c.retries.Reset()
	c.grace.Reset()
	c.queue.OnEvict(c.onEvict)
	if err := c.queue.Load(ctx); err != nil {
		_ = c.machine.Transition(status.Error)
		return fmt.Errorf("load queue: %w", err)
	}
	c.rearm()

	c.bgMu.Lock()
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	c.bgClosed = false
	c.bgMu.Unlock()
	c.unsubscribe = c.monitor.Subscribe(c.onConnectivity)
	c.background(c.tick)

	if err := c.machine.Transition(status.Ready); err != nil {
		return err
	}
	st := c.queue.Stats()
	c.logger.Info("sync coordinator ready",
		zap.Int("pending", st.Pending),
		zap.Int("failed", st.Failed),
		zap.Int("actions_pending", st.ActionsPending),
		zap.Bool("online", c.monitor.Online()))
	if c.monitor.Online() {
		c.kick(true)
	}
	return nil
}

// rearm restores backoff timers for items reloaded mid-backoff.
func (c *Coordinator) rearm() {
	now := time.Now().UnixMilli()
	for _, it := range c.queue.Messages(outbox.MessagePending) {
		if it.NextAttemptAt > now {
			c.armRetry(it.QueueID, time.Duration(it.NextAttemptAt-now)*time.Millisecond)
		}
	}
	for _, it := range c.queue.Actions(outbox.ActionPending) {
		if it.NextAttemptAt > now {
			c.armRetry(it.QueueID, time.Duration(it.NextAttemptAt-now)*time.Millisecond)
		}
	}
}

// Destroy stops timers, waits for an in-flight drain (bounded by ctx) and flushes the queue.
func (c *Coordinator) Destroy(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if err := c.machine.Transition(status.Stopping); err != nil {
		return nil
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.retries.Stop()
	c.grace.Stop()

	c.mu.Lock()
	run := c.current
	c.mu.Unlock()
	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			c.logger.Warn("in-flight drain did not finish before shutdown")
		}
	}
	c.bgMu.Lock()
	c.bgClosed = true
	if c.bgCancel != nil {
		c.bgCancel()
	}
	c.bgMu.Unlock()
	c.bg.Wait()

	err := c.queue.Close(ctx)
	if err != nil {
		c.logger.Error("queue flush on shutdown failed", zap.Error(err))
	}
	_ = c.machine.Transition(status.Stopped)
	c.logger.Info("sync coordinator stopped")
	return err
}

func (c *Coordinator) ready() error {
	if !c.machine.Accepting() {
		return chat.ErrNotInitialized
	}
	return nil
}

// background runs fn on its own goroutine until Destroy. Reports false after Destroy.
func (c *Coordinator) background(fn func(ctx context.Context)) bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.bgClosed || c.bgCtx == nil {
		return false
	}
	ctx := c.bgCtx
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(ctx)
	}()
	return true
}

func (c *Coordinator) tick(ctx context.Context) {
	ticker := time.NewTicker(c.opts.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, _, err := c.startDrain(drainScope{}, false); err != nil {
				c.logger.Debug("periodic drain skipped", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// kick requests a drain without waiting for it.
func (c *Coordinator) kick(force bool) {
	_, _ = c.requestDrain(drainScope{force: force})
}

func (c *Coordinator) logDrain(st DrainStats) {
	if st.Attempted > 0 {
		c.logger.Info("queue drained",
			zap.Int("attempted", st.Attempted),
			zap.Int("delivered", st.Delivered),
			zap.Int("failed", st.Failed))
	}
}

func (c *Coordinator) onConnectivity(ch connectivity.Change) {
	switch {
	case ch.WentOnline():
		c.logger.Info("back online, draining queue")
		c.kick(true)
	case ch.Foregrounded() && ch.Current.Online():
		c.kick(true)
	}
}

func (c *Coordinator) onEvict(it outbox.MessageItem) {
	c.retries.Cancel(it.QueueID)
	if err := c.reconciler.Reject(it.Message, errors.New("evicted from full queue")); err != nil {
		c.logger.Error("mark evicted placeholder failed", zap.Error(err))
	}
}
