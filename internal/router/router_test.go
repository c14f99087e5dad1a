package router

import (
	"sync/atomic"
	"testing"
)

// ============================================================================
// Classification
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		want  MessageType
	}{
		{"services reply", "thing/product/SN123/services_reply", TypeServiceReply},
		{"drc up", "thing/product/SN123/drc/up", TypeCommand},
		{"events", "thing/product/SN123/events", TypeTelemetry},
		{"osd", "thing/product/SN123/osd", TypeTelemetry},
		{"state", "thing/product/SN123/state", TypeTelemetry},
		{"status", "thing/product/SN123/status", TypeStatus},
		{"services request channel", "thing/product/SN123/services", TypeUnknown},
		{"drc down", "thing/product/SN123/drc/down", TypeUnknown},
		{"empty", "", TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.topic); got != tt.want {
				t.Errorf("classify(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}

// ============================================================================
// Envelope helpers
// ============================================================================

func TestEnvelopeResult(t *testing.T) {
	tests := []struct {
		name   string
		data   map[string]any
		want   int
		wantOK bool
	}{
		{"success", map[string]any{"result": float64(0)}, 0, true},
		{"business error", map[string]any{"result": float64(319001)}, 319001, true},
		{"missing result", map[string]any{"output": map[string]any{}}, 0, false},
		{"nil data", nil, 0, false},
		{"non-numeric result", map[string]any{"result": "0"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Data: tt.data}
			got, ok := env.Result()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Result() = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// ============================================================================
// Matchers
// ============================================================================

func TestMatchers(t *testing.T) {
	reply := &Message{
		Topic:    "thing/product/SN123/services_reply",
		Type:     TypeServiceReply,
		Envelope: Envelope{Method: "drc_mode_enter"},
	}
	osd := &Message{
		Topic: "thing/product/SN123/osd",
		Type:  TypeTelemetry,
	}

	tests := []struct {
		name    string
		matcher Matcher
		msg     *Message
		want    bool
	}{
		{"exact hit", ExactTopic("thing/product/SN123/osd"), osd, true},
		{"exact miss", ExactTopic("thing/product/SN999/osd"), osd, false},
		{"prefix hit", TopicPrefix("thing/product/SN123/"), osd, true},
		{"prefix miss", TopicPrefix("thing/product/SN999/"), osd, false},
		{"pattern hit", TopicPattern(`^thing/product/[^/]+/osd$`), osd, true},
		{"pattern miss", TopicPattern(`^thing/product/[^/]+/events$`), osd, false},
		{"malformed pattern never matches", TopicPattern(`([`), osd, false},
		{"service method hit", ServiceReply("drc_mode_enter"), reply, true},
		{"service method miss", ServiceReply("drc_mode_exit"), reply, false},
		{"service wildcard", ServiceReply(MethodWildcard), reply, true},
		{"service matcher ignores telemetry", ServiceReply(MethodWildcard), osd, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.matcher.Matches(tt.msg); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Routing
// ============================================================================

func TestRouteDispatchesToMatchingRules(t *testing.T) {
	r := New()

	var osdHits, replyHits atomic.Int64
	r.Register("osd", TopicPattern(`/osd$`), func(msg *Message) {
		osdHits.Add(1)
		if msg.DeviceID != "SN123" {
			t.Errorf("DeviceID = %q, want SN123", msg.DeviceID)
		}
	})
	r.RegisterServiceRoute(MethodWildcard, func(msg *Message) {
		replyHits.Add(1)
	})

	r.Route("thing/product/SN123/osd", []byte(`{"data":{"height":42}}`))
	r.Route("thing/product/SN123/services_reply",
		[]byte(`{"tid":"t1","method":"drc_mode_enter","data":{"result":0}}`))

	if osdHits.Load() != 1 {
		t.Errorf("osd callback hits = %d, want 1", osdHits.Load())
	}
	if replyHits.Load() != 1 {
		t.Errorf("reply callback hits = %d, want 1", replyHits.Load())
	}
}

func TestRouteMultipleCallbacksOneRule(t *testing.T) {
	r := New()

	var hits atomic.Int64
	cb := func(msg *Message) { hits.Add(1) }
	r.Register("osd", TopicPrefix("thing/"), cb)
	r.Register("osd", TopicPrefix("ignored-matcher/"), cb)

	r.Route("thing/product/SN123/osd", []byte(`{}`))

	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2 (both callbacks on the rule)", hits.Load())
	}
}

func TestRouteCallbackPanicIsolated(t *testing.T) {
	r := New()

	var survived atomic.Bool
	r.Register("bad", TopicPrefix("thing/"), func(msg *Message) {
		panic("handler bug")
	})
	r.Register("good", TopicPrefix("thing/"), func(msg *Message) {
		survived.Store(true)
	})

	r.Route("thing/product/SN123/osd", []byte(`{}`))

	if !survived.Load() {
		t.Error("sibling callback did not run after panic")
	}
	if got := r.Snapshot().CallbackErrors; got != 1 {
		t.Errorf("CallbackErrors = %d, want 1", got)
	}
}

func TestRouteMalformedPayloadDropped(t *testing.T) {
	r := New()

	var hits atomic.Int64
	r.Register("all", TopicPrefix(""), func(msg *Message) { hits.Add(1) })

	r.Route("thing/product/SN123/osd", []byte(`{not json`))

	if hits.Load() != 0 {
		t.Errorf("callback ran on malformed payload")
	}
	stats := r.Snapshot()
	if stats.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", stats.ParseErrors)
	}
}

func TestRouteUnmatchedCounted(t *testing.T) {
	r := New()
	r.Route("thing/product/SN123/osd", []byte(`{}`))

	stats := r.Snapshot()
	if stats.Received != 1 || stats.Dropped != 1 || stats.Matched != 0 {
		t.Errorf("stats = %+v, want received=1 dropped=1 matched=0", stats)
	}
}

func TestSnapshotCountsReplyMethods(t *testing.T) {
	r := New()

	r.Route("thing/product/SN123/services_reply", []byte(`{"tid":"t1","method":"drc_mode_enter","data":{"result":0}}`))
	r.Route("thing/product/SN123/services_reply", []byte(`{"tid":"t2","method":"drc_mode_enter","data":{"result":0}}`))
	r.Route("thing/product/SN123/services_reply", []byte(`{"tid":"t3","method":"return_home","data":{"result":0}}`))

	// Telemetry carries a method too, but only reply methods are
	// counted per method.
	r.Route("thing/product/SN123/events", []byte(`{"method":"hms","data":{}}`))

	stats := r.Snapshot()
	if stats.ByMethod["drc_mode_enter"] != 2 {
		t.Errorf("ByMethod[drc_mode_enter] = %d, want 2", stats.ByMethod["drc_mode_enter"])
	}
	if stats.ByMethod["return_home"] != 1 {
		t.Errorf("ByMethod[return_home] = %d, want 1", stats.ByMethod["return_home"])
	}
	if _, ok := stats.ByMethod["hms"]; ok {
		t.Error("telemetry method counted in ByMethod")
	}
	if stats.ByType[TypeServiceReply] != 3 {
		t.Errorf("ByType[service_reply] = %d, want 3", stats.ByType[TypeServiceReply])
	}
}

func TestRouteForExplicitDevice(t *testing.T) {
	r := New()

	var got string
	r.Register("all", TopicPrefix(""), func(msg *Message) { got = msg.DeviceID })

	r.RouteFor("SN999", "custom/topic", []byte(`{}`))

	if got != "SN999" {
		t.Errorf("DeviceID = %q, want SN999", got)
	}
}

// ============================================================================
// Registration lifecycle
// ============================================================================

func TestRemoveCallbackRemovesEmptyRule(t *testing.T) {
	r := New()

	id1 := r.Register("osd", TopicPrefix("thing/"), func(msg *Message) {})
	id2 := r.Register("osd", TopicPrefix("thing/"), func(msg *Message) {})

	r.RemoveCallback("osd", id1)
	if r.RuleCount() != 1 {
		t.Fatalf("rule removed while a callback remained")
	}

	r.RemoveCallback("osd", id2)
	if r.RuleCount() != 0 {
		t.Errorf("rule not removed with its last callback")
	}

	// Unknown IDs are a no-op.
	r.RemoveCallback("osd", id1)
	r.RemoveCallback("missing", 42)
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register("osd", TopicPrefix("thing/"), func(msg *Message) {})
	r.Register("osd", TopicPrefix("thing/"), func(msg *Message) {})

	r.Unregister("osd")
	if r.RuleCount() != 0 {
		t.Errorf("RuleCount = %d after Unregister, want 0", r.RuleCount())
	}

	r.Unregister("missing")
}

func TestSnapshotRules(t *testing.T) {
	r := New()
	r.Register("b-rule", TopicPrefix("x/"), func(msg *Message) {})
	r.Register("a-rule", TopicPrefix("y/"), func(msg *Message) {})

	rules := r.Snapshot().Rules
	if len(rules) != 2 || rules[0] != "a-rule" || rules[1] != "b-rule" {
		t.Errorf("Rules = %v, want sorted [a-rule b-rule]", rules)
	}
}
