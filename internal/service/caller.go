package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volition/gcs-core/internal/infrastructure/logging"
	"github.com/volition/gcs-core/internal/router"
)

// servicesQoS is the delivery guarantee for service request frames.
const servicesQoS byte = 1

// replyRuleID names the built-in wildcard reply route installed by the
// caller at construction.
const replyRuleID = "service:" + router.MethodWildcard

// Connection is the slice of the MQTT client the caller needs.
type Connection interface {
	Publish(topic string, payload []byte, qos byte) error
}

// ConnectionProvider supplies a connected primary client for a device.
// The connection pool implements this.
type ConnectionProvider interface {
	EnsureConnection(ctx context.Context, deviceID string) (Connection, error)
}

// Recorder persists completed call outcomes for the audit trail.
// Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, rec CallRecord) error
}

// CallRecord is one completed (or failed) service call.
type CallRecord struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Method     string         `json:"method"`
	TID        string         `json:"tid"`
	Params     map[string]any `json:"params,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	ResultCode int            `json:"result_code"`
	Status     string         `json:"status"`
	DurationMs int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Call outcome statuses recorded in the audit trail.
const (
	StatusOK       = "ok"
	StatusBusiness = "business_error"
	StatusTimeout  = "timeout"
	StatusFailed   = "failed"
	StatusSent     = "sent"
)

// reply is the settled outcome of a pending call, exactly one of which
// is delivered per transaction.
type reply struct {
	env *router.Envelope
	err error
}

// pendingCall tracks one in-flight request awaiting its reply.
type pendingCall struct {
	tid      string
	method   string
	deviceID string
	ch       chan reply
	timer    *time.Timer
}

// CallOption adjusts a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
	noWait  bool
}

// WithTimeout overrides the reply deadline for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

// WithNoWait makes this call fire-and-forget regardless of the
// template.
func WithNoWait() CallOption {
	return func(c *callConfig) { c.noWait = true }
}

// Caller issues service requests to aircraft and correlates replies.
//
// Each call publishes one request frame on the device's services topic
// with a fresh transaction ID, then parks until the matching reply
// arrives on services_reply, the deadline passes, or the caller's
// context is cancelled. A transaction settles at most once; late
// replies are logged and dropped.
type Caller struct {
	conns   ConnectionProvider
	catalog *Catalog
	routes  *router.Router

	mu      sync.Mutex
	pending map[string]*pendingCall

	defaultTimeout time.Duration
	replyCallback  router.CallbackID

	audit    Recorder
	auditMu  sync.RWMutex
	logger   *logging.Logger
	loggerMu sync.RWMutex
}

// NewCaller creates a caller and installs its wildcard reply route on
// the router.
//
// Parameters:
//   - conns: Connection pool (or equivalent) for device connections
//   - catalog: Service template catalog
//   - routes: Router receiving inbound device traffic
//   - defaultTimeout: Reply deadline when neither template nor call
//     options say otherwise
func NewCaller(conns ConnectionProvider, catalog *Catalog, routes *router.Router, defaultTimeout time.Duration) *Caller {
	c := &Caller{
		conns:          conns,
		catalog:        catalog,
		routes:         routes,
		pending:        make(map[string]*pendingCall),
		defaultTimeout: defaultTimeout,
	}
	c.replyCallback = routes.RegisterServiceRoute(router.MethodWildcard, c.handleReply)
	return c
}

// SetLogger wires structured logging.
func (c *Caller) SetLogger(logger *logging.Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	c.logger = logger
}

func (c *Caller) log() *logging.Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// SetRecorder wires the audit trail. Optional; calls work without it.
func (c *Caller) SetRecorder(r Recorder) {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()
	c.audit = r
}

func (c *Caller) recorder() Recorder {
	c.auditMu.RLock()
	defer c.auditMu.RUnlock()
	return c.audit
}

// Close detaches the caller from the router and fails all in-flight
// calls.
func (c *Caller) Close() {
	c.routes.RemoveCallback(replyRuleID, c.replyCallback)

	c.mu.Lock()
	for tid, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, tid)
		p.ch <- reply{err: fmt.Errorf("%w: caller closed", ErrNoConnection)}
	}
	c.mu.Unlock()
}

// PendingCount returns the number of in-flight transactions.
func (c *Caller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call invokes a device service and waits for its reply.
//
// Validation failures surface before any connection work. For NoWait
// services (or WithNoWait) the call returns once the request is
// published; the output is nil.
//
// Returns:
//   - map[string]any: The reply's data.output (nil when absent or
//     fire-and-forget)
//   - error: ErrInvalidParams, ErrUnknownService, ErrNoConnection,
//     ErrPublishFailed, ErrTimeout, a *BusinessError for non-zero
//     result codes, or ctx.Err()
func (c *Caller) Call(ctx context.Context, deviceID, method string, params map[string]any, opts ...CallOption) (map[string]any, error) {
	start := time.Now()

	// The catalog loads asynchronously at startup; wait rather than
	// failing calls that race the first load.
	if err := c.catalog.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogNotReady, err)
	}
	tmpl, err := c.catalog.Lookup(method)
	if err != nil {
		return nil, err
	}

	// Template defaults merged under caller params; caller wins.
	// Required keys may be satisfied by either side.
	data := tmpl.BuildData(params)
	if err := validateParams(tmpl, data); err != nil {
		return nil, err
	}

	cfg := callConfig{
		timeout: tmpl.ReplyTimeout(c.defaultTimeout),
		noWait:  tmpl.NoWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := c.conns.EnsureConnection(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoConnection, deviceID, err)
	}

	tid := uuid.NewString()
	frame := router.Envelope{
		TID:       tid,
		BID:       tid,
		Method:    method,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", method, err)
	}

	topic := tmpl.RequestTopic(deviceID)

	if cfg.noWait {
		if err := client.Publish(topic, payload, servicesQoS); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
		}
		c.record(ctx, CallRecord{
			ID:        uuid.NewString(),
			DeviceID:  deviceID,
			Method:    method,
			TID:       tid,
			Params:    data,
			Status:    StatusSent,
			CreatedAt: start,
		}, start)
		return nil, nil
	}

	p := &pendingCall{
		tid:      tid,
		method:   method,
		deviceID: deviceID,
		ch:       make(chan reply, 1),
	}
	p.timer = time.AfterFunc(cfg.timeout, func() { c.expire(tid) })

	c.mu.Lock()
	c.pending[tid] = p
	c.mu.Unlock()

	if err := client.Publish(topic, payload, servicesQoS); err != nil {
		c.remove(tid)
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	if logger := c.log(); logger != nil {
		logger.Debug("service request published",
			"device_id", deviceID,
			"method", method,
			"tid", tid)
	}

	select {
	case res := <-p.ch:
		return c.settle(ctx, p, data, res, start)
	case <-ctx.Done():
		// Give up locally; a reply that still arrives is dropped by
		// the correlation table, not delivered to anyone.
		c.remove(tid)
		return nil, ctx.Err()
	}
}

// settle turns a delivered reply into the call result and records it.
func (c *Caller) settle(ctx context.Context, p *pendingCall, params map[string]any, res reply, start time.Time) (map[string]any, error) {
	rec := CallRecord{
		ID:        uuid.NewString(),
		DeviceID:  p.deviceID,
		Method:    p.method,
		TID:       p.tid,
		Params:    params,
		CreatedAt: start,
	}

	if res.err != nil {
		rec.Status = StatusFailed
		if errors.Is(res.err, ErrTimeout) {
			rec.Status = StatusTimeout
		}
		c.record(ctx, rec, start)
		return nil, res.err
	}

	code, _ := res.env.Result()
	output := res.env.Output()
	rec.Output = output
	rec.ResultCode = code

	if code != 0 {
		rec.Status = StatusBusiness
		c.record(ctx, rec, start)
		return nil, &BusinessError{Method: p.method, Code: code, Output: output}
	}

	rec.Status = StatusOK
	c.record(ctx, rec, start)
	return output, nil
}

// handleReply settles the pending transaction named by the reply's tid.
// Unmatched replies (late, duplicate, or not ours) are logged at debug
// and dropped.
func (c *Caller) handleReply(msg *router.Message) {
	tid := msg.Envelope.TID
	if tid == "" {
		return
	}

	p := c.remove(tid)
	if p == nil {
		if logger := c.log(); logger != nil {
			logger.Debug("dropping unmatched service reply",
				"topic", msg.Topic,
				"method", msg.Envelope.Method,
				"tid", tid)
		}
		return
	}

	env := msg.Envelope
	p.ch <- reply{env: &env}
}

// expire times out one pending transaction.
func (c *Caller) expire(tid string) {
	p := c.remove(tid)
	if p == nil {
		return
	}
	p.ch <- reply{err: fmt.Errorf("%w: %s tid=%s", ErrTimeout, p.method, tid)}

	if logger := c.log(); logger != nil {
		logger.Warn("service call timed out",
			"device_id", p.deviceID,
			"method", p.method,
			"tid", tid)
	}
}

// remove detaches a pending transaction. The first caller to remove a
// tid owns settlement; everyone else gets nil, which is what makes
// settlement at-most-once.
func (c *Caller) remove(tid string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[tid]
	if !ok {
		return nil
	}
	delete(c.pending, tid)
	p.timer.Stop()
	return p
}

// record writes one audit entry, if a recorder is wired. Audit failures
// never fail the call.
func (c *Caller) record(ctx context.Context, rec CallRecord, start time.Time) {
	r := c.recorder()
	if r == nil {
		return
	}
	rec.DurationMs = time.Since(start).Milliseconds()
	if err := r.Record(ctx, rec); err != nil {
		if logger := c.log(); logger != nil {
			logger.Warn("audit record failed",
				"method", rec.Method,
				"tid", rec.TID,
				"error", err)
		}
	}
}

// validateParams checks template-required keys are present.
func validateParams(tmpl Template, params map[string]any) error {
	for _, key := range tmpl.RequiredParams {
		if params == nil {
			return fmt.Errorf("%w: %s requires %q", ErrInvalidParams, tmpl.Method, key)
		}
		if _, ok := params[key]; !ok {
			return fmt.Errorf("%w: %s requires %q", ErrInvalidParams, tmpl.Method, key)
		}
	}
	return nil
}
