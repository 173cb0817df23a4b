// Package webhooks delivers signed HTTP notifications of approval-core
// lifecycle events to operator-registered subscriptions, with bounded
// retries and exponential backoff.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"aurigraph/approval-core/core/events"
	"aurigraph/approval-core/native/approval"
)

const (
	defaultMaxRetries  = 3
	defaultMinBackoff  = time.Second
	defaultMaxBackoff  = 32 * time.Second
	defaultQueueDepth  = 10_000
	defaultWorkerCount = 5
	defaultSendTimeout = 30 * time.Second
)

// Subscription is the outbound delivery target configuration. It mirrors
// approval.WebhookSubscription but is owned by this package so the core
// stays free of any notion of HTTP delivery.
type Subscription struct {
	ID         string
	URL        string
	EventTypes []string
	Secret     string
	Disabled   bool
}

func (s Subscription) matches(eventType string) bool {
	if s.Disabled {
		return false
	}
	for _, t := range s.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

// Registry is the minimal subscription lookup the Dispatcher needs. A
// concrete implementation lives in httpapi, backed by whatever store the
// deployment configures; Dispatcher only depends on this interface.
type Registry interface {
	Subscriptions() []Subscription
}

// payload is the wire body of a single webhook delivery.
type payload struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	ApprovalID  string          `json:"approval_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// Dispatcher queues and delivers signed webhook notifications. It
// implements events.Emitter so it can be wired onto the EventBus the same
// way any other subscriber is.
type Dispatcher struct {
	registry Registry
	client   *http.Client

	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration

	queue       chan job
	workerCount int
	queueGauge  prometheus.Gauge
	sendTotal   *prometheus.CounterVec

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type job struct {
	subscription Subscription
	eventType    string
	approvalID   string
	body         []byte
	deliveryID   string
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxRetries int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxRetries >= 0 {
			d.maxRetries = maxRetries
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithQueueCapacity overrides the bounded delivery queue's capacity. Must be
// called before NewDispatcher spawns workers; it has no effect afterward.
func WithQueueCapacity(capacity int) Option {
	return func(d *Dispatcher) {
		if capacity > 0 {
			d.queue = make(chan job, capacity)
		}
	}
}

// WithWorkerCount overrides the number of delivery workers.
func WithWorkerCount(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workerCount = n
		}
	}
}

// NewDispatcher constructs a Dispatcher reading subscriptions from registry
// and spawns its worker pool.
func NewDispatcher(registry Registry, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("webhooks: registry required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:    registry,
		client:      &http.Client{Timeout: defaultSendTimeout},
		maxRetries:  defaultMaxRetries,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		queue:       make(chan job, defaultQueueDepth),
		workerCount: defaultWorkerCount,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// QueueDepth reports how many deliveries are currently queued, for the
// /metrics gauge and operational dashboards.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// SetMetrics wires Prometheus collectors for queue depth and delivery
// outcomes. Safe to call once, before deliveries start flowing.
func (d *Dispatcher) SetMetrics(queueGauge prometheus.Gauge, sendTotal *prometheus.CounterVec) {
	d.queueGauge = queueGauge
	d.sendTotal = sendTotal
}

// Emit implements events.Emitter. It fans a domain event out to every
// matching, non-disabled subscription and enqueues one delivery per match.
// Emit never blocks the caller for longer than it takes to marshal the
// event; a full queue drops the delivery and returns without error, since
// webhook delivery is documented as best-effort.
func (d *Dispatcher) Emit(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	body := payload{
		ID:        uuid.NewString(),
		Event:     e.EventType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if approvalID, ok := approvalIDOf(e); ok {
		body.ApprovalID = approvalID
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return
	}

	for _, sub := range d.registry.Subscriptions() {
		if !sub.matches(e.EventType()) {
			continue
		}
		j := job{subscription: sub, eventType: e.EventType(), approvalID: body.ApprovalID, body: encoded, deliveryID: uuid.NewString()}
		select {
		case d.queue <- j:
			if d.queueGauge != nil {
				d.queueGauge.Set(float64(len(d.queue)))
			}
		default:
			// Queue full: best-effort delivery, drop and move on.
		}
	}
}

func approvalIDOf(e events.Event) (string, bool) {
	switch v := e.(type) {
	case approval.ApprovalDecidedEvent:
		return v.RequestID, true
	case approval.ApprovalRequestCreatedEvent:
		return v.RequestID, true
	case approval.VoteSubmittedEvent:
		return v.RequestID, true
	case approval.ConsensusReachedEvent:
		return v.RequestID, true
	case approval.ApprovalExecutionCompletedEvent:
		return v.RequestID, true
	case approval.ApprovalExecutionFailedEvent:
		return v.RequestID, true
	case approval.VersionRejectedEvent:
		return v.RequestID, true
	case approval.VersionExpiredEvent:
		return v.RequestID, true
	default:
		return "", false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.queue:
			if d.queueGauge != nil {
				d.queueGauge.Set(float64(len(d.queue)))
			}
			d.process(j)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(j job) {
	backoff := d.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, j)
		cancel()
		d.recordOutcome(j, err)
		if err == nil {
			return
		}
		if attempt > d.maxRetries {
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) recordOutcome(j job, err error) {
	if d.sendTotal == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	d.sendTotal.WithLabelValues(j.eventType, status).Inc()
}

func (d *Dispatcher) send(ctx context.Context, j job) error {
	target, err := url.Parse(j.subscription.URL)
	if err != nil {
		return fmt.Errorf("webhooks: invalid subscription url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(j.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aurigraph-Event", j.eventType)
	req.Header.Set("X-Aurigraph-Signature", sign(j.body, j.subscription.Secret))
	req.Header.Set("X-Aurigraph-Delivery-ID", j.deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhooks: delivery failed with status %d", resp.StatusCode)
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
