package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/logger"
)

// Ingestor is where snapshots land, whatever the transport.
type Ingestor interface {
	Ingest(snap model.AccountSnapshot)
}

// BridgeStream consumes account snapshots pushed by the terminal
// bridge over a websocket. It reconnects with a flat backoff; the
// risk evaluator's staleness bound covers the gaps.
type BridgeStream struct {
	url     string
	sink    Ingestor
	backoff time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped chan struct{}
	once    sync.Once
}

func NewBridgeStream(url string, sink Ingestor) *BridgeStream {
	return &BridgeStream{
		url:     url,
		sink:    sink,
		backoff: 5 * time.Second,
		stopped: make(chan struct{}),
	}
}

func (s *BridgeStream) Start() {
	go s.run()
}

func (s *BridgeStream) Stop() {
	s.once.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *BridgeStream) run() {
	for {
		select {
		case <-s.stopped:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			logger.Warn("telemetry stream disconnected", "url", s.url, "error", err)
		}

		select {
		case <-s.stopped:
			return
		case <-time.After(s.backoff):
		}
	}
}

func (s *BridgeStream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	logger.Info("telemetry stream connected", "url", s.url)

	sub := map[string]string{"type": "subscribe", "channel": "account"}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *BridgeStream) handleMessage(raw []byte) {
	var snap model.AccountSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Debug("unparseable telemetry frame dropped", "error", err)
		return
	}
	if snap.UserID == "" {
		return
	}
	s.sink.Ingest(snap)
}
