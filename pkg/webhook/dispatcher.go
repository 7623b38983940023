package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/internal/telemetry"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/models"
)

const userAgent = "carrel-webhook/1"

// errGuard marks a URL the guard refused. Guard rejections are terminal:
// retrying cannot make a forbidden address acceptable.
var errGuard = errors.New("webhook URL rejected")

// Store is the slice of the persistence layer the dispatcher needs.
type Store interface {
	WebhooksForEvent(ctx context.Context, workspaceID, event, path string) ([]*models.Webhook, error)
	GetWebhook(ctx context.Context, workspaceID, id string) (*models.Webhook, error)
	RecordDeliveryResult(ctx context.Context, webhookID string, status int, success bool, disableAfter int, at time.Time) (bool, error)
}

// Metrics provides observability for webhook deliveries. Pass nil to disable
// collection with zero overhead.
type Metrics interface {
	ObserveDelivery(outcome string, duration time.Duration)
	SetQueueDepth(depth int)
}

// Config holds dispatcher tuning.
type Config struct {
	// QueueSize is the maximum number of queued deliveries. Default: 1024
	QueueSize int

	// Workers is the number of concurrent delivery workers. Default: 4
	Workers int

	// Timeout bounds a single delivery attempt. Default: 10s
	Timeout time.Duration

	// MaxAttempts is the attempt budget per delivery. Default: 5
	MaxAttempts int

	// RetryBase and RetryCap shape the exponential backoff between
	// attempts. Defaults: 1s base, 60s cap.
	RetryBase time.Duration
	RetryCap  time.Duration

	// DisableAfter is how many consecutive failures disable a webhook.
	// Default: 20
	DisableAfter int

	// AllowPrivate skips the address guard. Development only.
	AllowPrivate bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		Workers:      4,
		Timeout:      10 * time.Second,
		MaxAttempts:  5,
		RetryBase:    time.Second,
		RetryCap:     60 * time.Second,
		DisableAfter: 20,
	}
}

// delivery pairs a journal record with the signing secret of its webhook.
// The secret rides along in memory only; it is never written to the journal.
type delivery struct {
	record *DeliveryRecord
	secret string
}

// Dispatcher fans events out to subscribed webhooks. Publishing is
// best-effort by contract: no mutation ever fails because of webhook
// trouble, so every error path here ends in a log line, not a return.
type Dispatcher struct {
	store   Store
	journal *Journal
	guard   *Guard
	client  *http.Client
	metrics Metrics
	cfg     Config

	queue     chan delivery
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	dropped int
}

// NewDispatcher creates a dispatcher. The HTTP client refuses redirects:
// following one would let an approved endpoint bounce the delivery to an
// address the guard never saw.
func NewDispatcher(store Store, journal *Journal, m Metrics, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 60 * time.Second
	}
	if cfg.DisableAfter <= 0 {
		cfg.DisableAfter = 20
	}

	guard := NewGuard(cfg.AllowPrivate)
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: guard.Control,
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			MaxIdleConns:      16,
			IdleConnTimeout:   60 * time.Second,
			ForceAttemptHTTP2: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Dispatcher{
		store:     store,
		journal:   journal,
		guard:     guard,
		client:    client,
		metrics:   m,
		cfg:       cfg,
		queue:     make(chan delivery, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Guard exposes the dispatcher's URL guard for registration-time checks.
func (d *Dispatcher) Guard() *Guard {
	return d.guard
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	logger.Info("Starting webhook dispatcher", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	go func() {
		d.wg.Wait()
		close(d.stoppedCh)
	}()
}

// Stop shuts the workers down, waiting up to timeout for in-flight
// deliveries. Deliveries still pending keep their journal records and are
// re-enqueued on the next start.
func (d *Dispatcher) Stop(timeout time.Duration) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	logger.Info("Stopping webhook dispatcher", "pending", len(d.queue))

	close(d.stopCh)

	select {
	case <-d.stoppedCh:
		logger.Debug("Webhook dispatcher stopped")
	case <-time.After(timeout):
		logger.Warn("Webhook dispatcher stop timed out", "pending", len(d.queue))
	}
}

// Publish fans an event out to every matching subscription. Call it after
// the originating transaction commits, never inside it.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	hooks, err := d.store.WebhooksForEvent(ctx, ev.WorkspaceID, ev.Event, ev.Path)
	if err != nil {
		logger.Error("Failed to load webhooks for event", "event", ev.Event, "error", err)
		return
	}

	for _, h := range hooks {
		filters, err := h.GetFilters()
		if err != nil {
			logger.Warn("Webhook has unreadable filters, skipping", "webhook", h.ID, "error", err)
			continue
		}
		if !ev.MatchesFilters(filters) {
			continue
		}
		d.dispatch(h, ev)
	}
}

// dispatch journals one delivery as pending and queues it.
func (d *Dispatcher) dispatch(h *models.Webhook, ev Event) {
	payload := ev
	if !h.IncludeURLs {
		payload.URLs = nil
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		logger.Error("Failed to encode webhook payload", "webhook", h.ID, "error", err)
		return
	}

	deliveryID, err := capability.NewDeliveryID()
	if err != nil {
		logger.Error("Failed to generate delivery ID", "webhook", h.ID, "error", err)
		return
	}

	now := time.Now().UTC()
	rec := &DeliveryRecord{
		ID:          deliveryID,
		WebhookID:   h.ID,
		WorkspaceID: h.WorkspaceID,
		EventID:     ev.ID,
		Event:       ev.Event,
		URL:         h.URL,
		State:       DeliveryPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Payload:     body,
	}
	if err := d.journal.Put(rec); err != nil {
		logger.Error("Failed to journal webhook delivery", "webhook", h.ID, "error", err)
	}

	d.enqueue(delivery{record: rec, secret: h.Secret})
}

// enqueue adds a delivery without blocking. A full queue drops the delivery;
// the journal record is flipped to failed so a restart does not resurrect it.
func (d *Dispatcher) enqueue(dl delivery) bool {
	select {
	case d.queue <- dl:
		if d.metrics != nil {
			d.metrics.SetQueueDepth(len(d.queue))
		}
		return true
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		logger.Warn("Webhook queue full, dropping delivery",
			"webhook", dl.record.WebhookID,
			"event_id", dl.record.EventID)

		dl.record.State = DeliveryFailed
		dl.record.LastError = "delivery queue full"
		dl.record.UpdatedAt = time.Now().UTC()
		if err := d.journal.Put(dl.record); err != nil {
			logger.Error("Failed to journal dropped delivery", "webhook", dl.record.WebhookID, "error", err)
		}
		if d.metrics != nil {
			d.metrics.ObserveDelivery("dropped", 0)
		}
		return false
	}
}

// Recover re-enqueues deliveries the previous process left pending.
// Call once after Start.
func (d *Dispatcher) Recover(ctx context.Context) {
	records, err := d.journal.Pending()
	if err != nil {
		logger.Error("Failed to scan journal for pending deliveries", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	requeued := 0
	for _, rec := range records {
		h, err := d.store.GetWebhook(ctx, rec.WorkspaceID, rec.WebhookID)
		if err != nil || h.Disabled {
			rec.State = DeliveryFailed
			rec.LastError = "webhook removed or disabled before delivery"
			rec.UpdatedAt = time.Now().UTC()
			if err := d.journal.Put(rec); err != nil {
				logger.Error("Failed to journal abandoned delivery", "webhook", rec.WebhookID, "error", err)
			}
			continue
		}
		if d.enqueue(delivery{record: rec, secret: h.Secret}) {
			requeued++
		}
	}
	logger.Info("Re-enqueued pending webhook deliveries", "count", requeued, "journaled", len(records))
}

// Dropped returns how many deliveries were dropped on a full queue.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Test delivers a synthetic event to one webhook synchronously, bypassing
// the queue and the retry schedule. The result lands in the returned record.
func (d *Dispatcher) Test(ctx context.Context, h *models.Webhook, ev Event) (*DeliveryRecord, error) {
	payload := ev
	if !h.IncludeURLs {
		payload.URLs = nil
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	deliveryID, err := capability.NewDeliveryID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate delivery ID: %w", err)
	}

	now := time.Now().UTC()
	rec := &DeliveryRecord{
		ID:          deliveryID,
		WebhookID:   h.ID,
		WorkspaceID: h.WorkspaceID,
		EventID:     ev.ID,
		Event:       ev.Event,
		URL:         h.URL,
		State:       DeliveryPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Payload:     body,
	}

	status, derr := d.deliverOnce(ctx, rec, h.Secret)
	rec.Attempts = 1
	rec.LastStatus = status
	if derr != nil {
		rec.State = DeliveryFailed
		rec.LastError = derr.Error()
	} else {
		rec.State = DeliveryDelivered
		rec.LastError = ""
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := d.journal.Put(rec); err != nil {
		logger.Error("Failed to journal test delivery", "webhook", h.ID, "error", err)
	}

	d.recordResult(rec.WebhookID, status, derr == nil)
	return rec, nil
}

// worker processes deliveries from the queue.
func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			d.drainQueue(ctx)
			return

		case <-ctx.Done():
			return

		case dl, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, dl)
		}
	}
}

// drainQueue processes remaining deliveries during shutdown.
func (d *Dispatcher) drainQueue(ctx context.Context) {
	for {
		select {
		case dl, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, dl)
		default:
			return
		}
	}
}

// process runs one delivery through its attempt budget.
func (d *Dispatcher) process(ctx context.Context, dl delivery) {
	start := time.Now()
	rec := dl.record

	var status int
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := d.backoff(attempt - 1)
			logger.Debug("Retrying webhook delivery",
				"webhook", rec.WebhookID,
				"attempt", attempt,
				"backoff", backoff)
			select {
			case <-d.stopCh:
				// Record stays pending; the next start re-enqueues it.
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		status, lastErr = d.deliverOnce(ctx, rec, dl.secret)
		rec.Attempts = attempt
		rec.LastStatus = status
		if lastErr == nil {
			rec.LastError = ""
			break
		}
		rec.LastError = lastErr.Error()

		if errors.Is(lastErr, errGuard) {
			break
		}
	}

	success := lastErr == nil
	if success {
		rec.State = DeliveryDelivered
	} else {
		rec.State = DeliveryFailed
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := d.journal.Put(rec); err != nil {
		logger.Error("Failed to journal delivery result", "webhook", rec.WebhookID, "error", err)
	}

	d.recordResult(rec.WebhookID, status, success)

	if success {
		logger.Debug("Webhook delivered",
			"webhook", rec.WebhookID,
			"event_id", rec.EventID,
			"status", status,
			"attempts", rec.Attempts)
	} else {
		logger.Warn("Webhook delivery failed",
			"webhook", rec.WebhookID,
			"event_id", rec.EventID,
			"status", status,
			"attempts", rec.Attempts,
			"error", rec.LastError)
	}

	if d.metrics != nil {
		outcome := "failed"
		if success {
			outcome = "delivered"
		}
		d.metrics.ObserveDelivery(outcome, time.Since(start))
		d.metrics.SetQueueDepth(len(d.queue))
	}
}

// recordResult reports the outcome to the store, which drives the
// consecutive-failure circuit. Uses a fresh context so shutdown cannot
// orphan the write.
func (d *Dispatcher) recordResult(webhookID string, status int, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tripped, err := d.store.RecordDeliveryResult(ctx, webhookID, status, success, d.cfg.DisableAfter, time.Now().UTC())
	if err != nil {
		logger.Error("Failed to record delivery result", "webhook", webhookID, "error", err)
		return
	}
	if tripped {
		logger.Warn("Webhook disabled after repeated failures",
			"webhook", webhookID,
			"failures", d.cfg.DisableAfter)
	}
}

// deliverOnce runs a single signed POST. Non-2xx statuses are errors so the
// caller's retry loop treats them like transport failures.
func (d *Dispatcher) deliverOnce(ctx context.Context, rec *DeliveryRecord, secret string) (status int, err error) {
	ctx, span := telemetry.StartWebhookSpan(ctx, rec.WebhookID, rec.Event, rec.Attempts+1,
		telemetry.DeliveryID(rec.ID))
	defer func() {
		span.SetAttributes(telemetry.DeliveryCode(status))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if err := d.guard.Check(ctx, rec.URL); err != nil {
		return 0, fmt.Errorf("%w: %v", errGuard, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rec.URL, bytes.NewReader(rec.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Signature", Sign(secret, time.Now().Unix(), rec.Payload))
	req.Header.Set("X-Event-Id", rec.EventID)
	req.Header.Set("X-Event-Type", rec.Event)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff returns the delay after the nth failed attempt: exponential from
// the base, capped, with ±20% jitter so synchronized retries spread out.
func (d *Dispatcher) backoff(failures int) time.Duration {
	delay := float64(d.cfg.RetryBase)
	for i := 1; i < failures; i++ {
		delay *= 2
	}
	if delay > float64(d.cfg.RetryCap) {
		delay = float64(d.cfg.RetryCap)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(delay * jitter)
}
