package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/volition/gcs-core/internal/infrastructure/logging"
	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
)

// Session errors.
var (
	// ErrAlreadyRunning indicates Start was called on a running session.
	ErrAlreadyRunning = errors.New("heartbeat session already running")

	// ErrNotRunning indicates Stop was called on a stopped session.
	ErrNotRunning = errors.New("heartbeat session not running")
)

// heartbeatMethod is the wire method of every frame.
const heartbeatMethod = "heart_beat"

// Connection is the slice of the heartbeat-class client the session
// publishes on.
type Connection interface {
	Publish(topic string, payload []byte, qos byte) error
	IsConnected() bool
}

// Connections supplies and tears down heartbeat-class connections. The
// connection pool implements this.
type Connections interface {
	EnsureHeartbeatConnection(ctx context.Context, deviceID string) (Connection, error)
	DisconnectHeartbeat(deviceID string) error
}

// frame is the DRC keep-alive payload.
type frame struct {
	Seq    int64  `json:"seq"`
	Method string `json:"method"`
	Data   struct {
		Timestamp int64 `json:"timestamp"`
	} `json:"data"`
}

// Session keeps one aircraft's DRC channel alive with fixed-cadence
// heart_beat frames on drc/down.
//
// Frames go out QoS 0 over the heartbeat-class connection only; a tick
// that finds the connection down is skipped and logged, never queued,
// so stale keep-alives are not replayed after a reconnect. The sequence
// number is seeded from wall-clock milliseconds so a restarted session
// stays monotonic from the aircraft's point of view.
type Session struct {
	deviceID string
	conns    Connections
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	seq     int64
	sent    uint64
	skipped uint64

	logger   *logging.Logger
	loggerMu sync.RWMutex
}

// NewSession creates a stopped session for one device.
//
// Parameters:
//   - conns: Connection pool (or equivalent)
//   - deviceID: Aircraft serial
//   - interval: Cadence between frames (1s default profile; the
//     historical 200ms profile is just a smaller interval)
func NewSession(conns Connections, deviceID string, interval time.Duration) *Session {
	return &Session{
		deviceID: deviceID,
		conns:    conns,
		interval: interval,
	}
}

// SetLogger wires structured logging.
func (s *Session) SetLogger(logger *logging.Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	s.logger = logger
}

func (s *Session) log() *logging.Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// Running reports whether the publish loop is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Counts returns frames sent and ticks skipped since Start.
func (s *Session) Counts() (sent, skipped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.skipped
}

// Start ensures the heartbeat connection and begins the publish loop.
// The first frame goes out immediately, then one per interval.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	conn, err := s.conns.EnsureHeartbeatConnection(ctx, s.deviceID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ensuring heartbeat connection: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.seq = time.Now().UnixMilli()
	s.sent = 0
	s.skipped = 0
	done := s.done
	s.mu.Unlock()

	if logger := s.log(); logger != nil {
		logger.Info("heartbeat session started",
			"device_id", s.deviceID,
			"interval", s.interval.String())
	}

	go s.loop(loopCtx, conn, done)
	return nil
}

// loop publishes frames until the session context is cancelled.
func (s *Session) loop(ctx context.Context, conn Connection, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	topic := mqtt.Topics.DRCDown(s.deviceID)

	s.tick(conn, topic)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(conn, topic)
		}
	}
}

// tick publishes one frame, or skips it when the link is down.
func (s *Session) tick(conn Connection, topic string) {
	if !conn.IsConnected() {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		if logger := s.log(); logger != nil {
			logger.Warn("skipping heartbeat, connection down",
				"device_id", s.deviceID)
		}
		return
	}

	s.mu.Lock()
	s.seq++
	f := frame{Seq: s.seq, Method: heartbeatMethod}
	s.mu.Unlock()
	f.Data.Timestamp = time.Now().UnixMilli()

	payload, err := json.Marshal(f)
	if err != nil {
		return
	}

	if err := conn.Publish(topic, payload, 0); err != nil {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		if logger := s.log(); logger != nil {
			logger.Warn("heartbeat publish failed",
				"device_id", s.deviceID,
				"error", err)
		}
		return
	}

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

// Stop halts the loop and tears down the heartbeat-class connection.
// The primary connection is not touched.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done

	if err := s.conns.DisconnectHeartbeat(s.deviceID); err != nil {
		return fmt.Errorf("disconnecting heartbeat: %w", err)
	}

	if logger := s.log(); logger != nil {
		logger.Info("heartbeat session stopped", "device_id", s.deviceID)
	}
	return nil
}
