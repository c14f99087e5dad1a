package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/volition/gcs-core/internal/infrastructure/logging"
)

// Callback handles one routed message. Callbacks run on the MQTT
// client's receive goroutine; long work should be handed off.
type Callback func(msg *Message)

// CallbackID identifies one registered callback within a rule.
type CallbackID uint64

// rule is one named route: a matcher plus the callbacks subscribed to it.
type rule struct {
	id        string
	matcher   Matcher
	callbacks map[CallbackID]Callback
}

// Stats is a point-in-time snapshot of router counters.
type Stats struct {
	Received       uint64                 `json:"received"`
	Matched        uint64                 `json:"matched"`
	Dropped        uint64                 `json:"dropped"`
	ParseErrors    uint64                 `json:"parse_errors"`
	CallbackErrors uint64                 `json:"callback_errors"`
	ByType         map[MessageType]uint64 `json:"by_type"`
	ByMethod       map[string]uint64      `json:"by_method"`
	Rules          []string               `json:"rules"`
}

// Router dispatches inbound device messages to registered callbacks.
//
// A message is classified by topic shape, parsed once, then offered to
// every rule; each matching rule's callbacks all run. Callback panics
// are contained per callback so one misbehaving handler cannot starve
// its siblings or kill the receive goroutine.
type Router struct {
	mu     sync.RWMutex
	rules  map[string]*rule
	nextID CallbackID

	statsMu        sync.Mutex
	received       uint64
	matched        uint64
	dropped        uint64
	parseErrors    uint64
	callbackErrors uint64
	byType         map[MessageType]uint64
	byMethod       map[string]uint64

	logger   *logging.Logger
	loggerMu sync.RWMutex
}

// New creates an empty router. Rules are added by the subsystems that
// consume traffic (service call layer, telemetry, pool liveness).
func New() *Router {
	return &Router{
		rules:    make(map[string]*rule),
		byType:   make(map[MessageType]uint64),
		byMethod: make(map[string]uint64),
	}
}

// SetLogger wires structured logging. Call before routing begins.
func (r *Router) SetLogger(logger *logging.Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	r.logger = logger
}

func (r *Router) log() *logging.Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Register adds a callback under the named rule, creating the rule with
// the given matcher if it does not exist yet. Registering against an
// existing rule appends the callback and leaves the original matcher in
// place.
//
// Returns:
//   - CallbackID: Handle for removing this callback later
func (r *Router) Register(ruleID string, matcher Matcher, callback Callback) CallbackID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ru, ok := r.rules[ruleID]
	if !ok {
		ru = &rule{
			id:        ruleID,
			matcher:   matcher,
			callbacks: make(map[CallbackID]Callback),
		}
		r.rules[ruleID] = ru
	}

	r.nextID++
	id := r.nextID
	ru.callbacks[id] = callback
	return id
}

// RegisterServiceRoute adds a callback for service replies with the
// given method ("*" for all). The rule is named after the method so
// repeated registrations share one rule.
func (r *Router) RegisterServiceRoute(method string, callback Callback) CallbackID {
	return r.Register("service:"+method, ServiceReply(method), callback)
}

// RemoveCallback detaches one callback from a rule. Removing the last
// callback removes the rule itself. Unknown rule or callback IDs are
// ignored.
func (r *Router) RemoveCallback(ruleID string, id CallbackID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ru, ok := r.rules[ruleID]
	if !ok {
		return
	}
	delete(ru.callbacks, id)
	if len(ru.callbacks) == 0 {
		delete(r.rules, ruleID)
	}
}

// Unregister removes a rule and all of its callbacks. Unknown rule IDs
// are ignored.
func (r *Router) Unregister(ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, ruleID)
}

// RuleCount returns the number of registered rules.
func (r *Router) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Route parses and dispatches one inbound frame. The device identity is
// inferred from the topic.
func (r *Router) Route(topic string, payload []byte) {
	r.RouteFor("", topic, payload)
}

// RouteFor parses and dispatches one inbound frame with an explicit
// device identity, for callers that already know which aircraft the
// connection belongs to.
func (r *Router) RouteFor(deviceID, topic string, payload []byte) {
	r.statsMu.Lock()
	r.received++
	r.statsMu.Unlock()

	msg, err := parseMessage(topic, payload, deviceID)
	if err != nil {
		r.statsMu.Lock()
		r.parseErrors++
		r.statsMu.Unlock()
		if logger := r.log(); logger != nil {
			logger.Warn("dropping unparseable message",
				"topic", topic,
				"error", err)
		}
		return
	}

	r.statsMu.Lock()
	r.byType[msg.Type]++
	if msg.Type == TypeServiceReply && msg.Envelope.Method != "" {
		r.byMethod[msg.Envelope.Method]++
	}
	r.statsMu.Unlock()

	r.mu.RLock()
	var fired []Callback
	for _, ru := range r.rules {
		if !ru.matcher.Matches(msg) {
			continue
		}
		for _, cb := range ru.callbacks {
			fired = append(fired, cb)
		}
	}
	r.mu.RUnlock()

	if len(fired) == 0 {
		r.statsMu.Lock()
		r.dropped++
		r.statsMu.Unlock()
		return
	}

	r.statsMu.Lock()
	r.matched++
	r.statsMu.Unlock()

	for _, cb := range fired {
		r.invoke(cb, msg)
	}
}

// invoke runs one callback with panic containment.
func (r *Router) invoke(cb Callback, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.statsMu.Lock()
			r.callbackErrors++
			r.statsMu.Unlock()
			if logger := r.log(); logger != nil {
				logger.Error("route callback panicked",
					"topic", msg.Topic,
					"type", string(msg.Type),
					"panic", fmt.Sprintf("%v", rec))
			}
		}
	}()
	cb(msg)
}

// Snapshot returns current counter values and the sorted rule list.
func (r *Router) Snapshot() Stats {
	r.statsMu.Lock()
	byType := make(map[MessageType]uint64, len(r.byType))
	for k, v := range r.byType {
		byType[k] = v
	}
	byMethod := make(map[string]uint64, len(r.byMethod))
	for k, v := range r.byMethod {
		byMethod[k] = v
	}
	stats := Stats{
		Received:       r.received,
		Matched:        r.matched,
		Dropped:        r.dropped,
		ParseErrors:    r.parseErrors,
		CallbackErrors: r.callbackErrors,
		ByType:         byType,
		ByMethod:       byMethod,
	}
	r.statsMu.Unlock()

	r.mu.RLock()
	for id := range r.rules {
		stats.Rules = append(stats.Rules, id)
	}
	r.mu.RUnlock()
	sort.Strings(stats.Rules)

	return stats
}
