package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	frames    [][]byte
	topics    []string
	qos       []byte
}

func (f *fakeConn) Publish(topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
	f.topics = append(f.topics, topic)
	f.qos = append(f.qos, qos)
	return nil
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeConns struct {
	mu            sync.Mutex
	conn          *fakeConn
	ensures       int
	disconnects   int
	ensureErr     error
	disconnectErr error
}

func (f *fakeConns) EnsureHeartbeatConnection(ctx context.Context, deviceID string) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.conn, nil
}

func (f *fakeConns) DisconnectHeartbeat(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return f.disconnectErr
}

func (f *fakeConns) counts() (ensures, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensures, f.disconnects
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestSessionPublishesFrames(t *testing.T) {
	conn := &fakeConn{connected: true}
	conns := &fakeConns{conn: conn}
	s := NewSession(conns, "SN123", 10*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop() //nolint:errcheck

	waitFor(t, func() bool { return conn.frameCount() >= 3 })

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.topics[0] != "thing/product/SN123/drc/down" {
		t.Errorf("topic = %q", conn.topics[0])
	}
	if conn.qos[0] != 0 {
		t.Errorf("qos = %d, want 0", conn.qos[0])
	}

	var prev int64
	for i, raw := range conn.frames {
		var f struct {
			Seq    int64  `json:"seq"`
			Method string `json:"method"`
			Data   struct {
				Timestamp int64 `json:"timestamp"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Method != "heart_beat" {
			t.Errorf("frame %d method = %q", i, f.Method)
		}
		if f.Data.Timestamp == 0 {
			t.Errorf("frame %d missing timestamp", i)
		}
		if i > 0 && f.Seq != prev+1 {
			t.Errorf("frame %d seq = %d, want %d (monotonic)", i, f.Seq, prev+1)
		}
		prev = f.Seq
	}
}

func TestSessionSkipsWhenDisconnected(t *testing.T) {
	conn := &fakeConn{connected: false}
	conns := &fakeConns{conn: conn}
	s := NewSession(conns, "SN123", 10*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop() //nolint:errcheck

	waitFor(t, func() bool {
		_, skipped := s.Counts()
		return skipped >= 2
	})

	if conn.frameCount() != 0 {
		t.Errorf("frames published while disconnected: %d", conn.frameCount())
	}

	// Link restored: publishing resumes without a restart.
	conn.setConnected(true)
	waitFor(t, func() bool { return conn.frameCount() >= 1 })
}

func TestSessionStartIdempotenceAndStop(t *testing.T) {
	conn := &fakeConn{connected: true}
	conns := &fakeConns{conn: conn}
	s := NewSession(conns, "SN123", 10*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	if !s.Running() {
		t.Error("session not running after Start")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Error("session still running after Stop")
	}

	if _, disconnects := conns.counts(); disconnects != 1 {
		t.Errorf("heartbeat disconnects = %d, want 1", disconnects)
	}

	before := conn.frameCount()
	time.Sleep(40 * time.Millisecond)
	if conn.frameCount() != before {
		t.Error("frames still published after Stop")
	}

	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop err = %v, want ErrNotRunning", err)
	}

	// A stopped session can be started again.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop() //nolint:errcheck
}

func TestSessionStartEnsureFailure(t *testing.T) {
	conns := &fakeConns{ensureErr: errors.New("broker unreachable")}
	s := NewSession(conns, "SN123", time.Second)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without a connection")
	}
	if s.Running() {
		t.Error("session running after failed Start")
	}
}

// waitFor polls until cond holds or the test deadline is near.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
