package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"labescrow/core/events"
	"labescrow/core/types"
	"labescrow/observability"
	"labescrow/observability/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Labescrow-Signature"

const maxAttempts = 5

// Endpoint is a webhook subscriber.
type Endpoint struct {
	Name      string   `yaml:"name" toml:"name"`
	URL       string   `yaml:"url" toml:"url"`
	Secret    string   `yaml:"secret" toml:"secret"`
	SecretEnv string   `yaml:"secret_env" toml:"secret_env"`
	Events    []string `yaml:"events" toml:"events"`
	// RatePerMinute caps deliveries to this endpoint. Zero means 60.
	RatePerMinute int `yaml:"rate_per_minute" toml:"rate_per_minute"`
}

// Accepts reports whether the endpoint subscribes to eventType. An empty
// list subscribes to everything; a trailing "*" matches a prefix.
func (e *Endpoint) Accepts(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, pattern := range e.Events {
		pattern = strings.TrimSpace(pattern)
		if pattern == "*" || pattern == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// Dispatcher fans events out to webhook endpoints. Emit never blocks and
// never reports delivery failures to the caller.
type Dispatcher struct {
	queue     *Queue
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
	seq       atomic.Int64
	backoff   func(attempt int) time.Duration

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBackoff overrides the retry delay schedule.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.backoff = fn
		}
	}
}

// NewDispatcher constructs a dispatcher over queue.
func NewDispatcher(queue *Queue, endpoints []Endpoint, opts ...Option) *Dispatcher {
	if queue == nil {
		queue = NewQueue()
	}
	d := &Dispatcher{
		queue:     queue,
		endpoints: append([]Endpoint(nil), endpoints...),
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		backoff:   backoffDuration,
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, ep := range d.endpoints {
		metrics.Bountyd().InitWebhookDestination(ep.Name)
	}
	return d
}

// Emit implements events.Emitter.
func (d *Dispatcher) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || payload.Evt == nil {
		return
	}
	d.Publish(payload.Evt)
}

// Publish queues a typed event for delivery.
func (d *Dispatcher) Publish(evt *types.Event) {
	if d == nil || evt == nil || len(d.endpoints) == 0 {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	d.queue.Enqueue(Task{Notification: Notification{
		ID:         uuid.NewString(),
		Sequence:   d.seq.Add(1),
		Type:       evt.Type,
		BountyID:   attrs["bountyId"],
		Attributes: attrs,
		CreatedAt:  d.now(),
	}})
}

// Run processes tasks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Endpoint == nil {
			d.expand(task)
			continue
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) expand(task Task) {
	for i := range d.endpoints {
		ep := &d.endpoints[i]
		if !ep.Accepts(task.Notification.Type) {
			continue
		}
		d.queue.Enqueue(Task{Notification: task.Notification, Endpoint: ep})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	ep := task.Endpoint
	limiter := d.limiter(ep)
	if r := limiter.Reserve(); r.OK() {
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			task.NotBefore = d.now().Add(delay)
			d.queue.Enqueue(task)
			return
		}
	}
	body, err := json.Marshal(task.Notification)
	if err != nil {
		d.logger.Error("notify: encode notification", slog.String("error", err.Error()))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		d.fail(task, err.Error(), false)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(ep.Secret, body))
	req.Header.Set("X-Labescrow-Event", task.Notification.Type)

	resp, err := d.client.Do(req)
	if err != nil {
		d.fail(task, err.Error(), true)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.fail(task, resp.Status, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
		return
	}
	observability.Notifications().RecordDelivery(task.Notification.Type, "success")
}

func (d *Dispatcher) fail(task Task, reason string, retry bool) {
	observability.Notifications().RecordDelivery(task.Notification.Type, "failed")
	metrics.Bountyd().IncWebhookFailure(task.Endpoint.Name)
	attempt := task.Attempt + 1
	d.logger.Warn("notify: webhook delivery failed",
		slog.String("endpoint", task.Endpoint.Name),
		slog.String("event", task.Notification.Type),
		slog.Int("attempt", attempt),
		slog.String("reason", reason))
	if !retry || attempt >= maxAttempts {
		return
	}
	task.Attempt = attempt
	task.NotBefore = d.now().Add(d.backoff(attempt))
	d.queue.Enqueue(task)
}

func (d *Dispatcher) limiter(ep *Endpoint) *rate.Limiter {
	d.limitMu.Lock()
	defer d.limitMu.Unlock()
	key := ep.Name + "|" + ep.URL
	if l, ok := d.limiters[key]; ok {
		return l
	}
	perMinute := ep.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	l := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	d.limiters[key] = l
	return l
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ResolveSecrets fills Secret from SecretEnv where set.
func ResolveSecrets(endpoints []Endpoint, getenv func(string) string) error {
	for i := range endpoints {
		ep := &endpoints[i]
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("notify: endpoint %q missing url", ep.Name)
		}
		if ep.Secret != "" || ep.SecretEnv == "" {
			continue
		}
		value := strings.TrimSpace(getenv(ep.SecretEnv))
		if value == "" {
			return fmt.Errorf("notify: secret_env %s is empty", ep.SecretEnv)
		}
		ep.Secret = value
	}
	return nil
}
