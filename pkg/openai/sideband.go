package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSidebandURL is the realtime WebSocket endpoint; the call ID is added
// as the call_id query parameter.
const DefaultSidebandURL = "wss://api.openai.com/v1/realtime"

// Event is one server event observed on the sideband connection.
type Event struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// SidebandConfig holds sideband client configuration
type SidebandConfig struct {
	URL    string       // WebSocket base URL
	APIKey string       // Bearer credential
	Logger *slog.Logger // Logger instance
}

// Sideband observes server events for a call established over WebRTC.
type Sideband struct {
	baseURL string
	apiKey  string
	conn    *websocket.Conn
	mu      sync.Mutex
	logger  *slog.Logger
	eventCh chan Event
	errCh   chan error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSideband creates a new sideband client
func NewSideband(cfg SidebandConfig) *Sideband {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultSidebandURL
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sideband{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		logger:  cfg.Logger,
		eventCh: make(chan Event, 50), // Bounded event queue
		errCh:   make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect attaches to the call and starts the read loop.
func (s *Sideband) Connect(ctx context.Context, callID string) error {
	if s.apiKey == "" {
		return ErrMissingCredential
	}
	if callID == "" {
		return errors.New("sideband requires a call id")
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("invalid sideband url %q: %w", s.baseURL, err)
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		s.logger.Error("failed to connect sideband", "callID", callID, "error", err)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("sideband connected", "callID", callID)

	s.wg.Add(1)
	go s.readLoop(conn)

	return nil
}

// readLoop delivers server events until the connection fails or closes.
func (s *Sideband) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				select {
				case s.errCh <- err:
				default:
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("failed to parse sideband event", "error", err)
			continue
		}
		ev.Raw = data

		select {
		case s.eventCh <- ev:
		case <-s.ctx.Done():
			return
		default:
			s.logger.Warn("sideband event channel full, dropping event", "type", ev.Type)
		}
	}
}

// Events returns the channel of received server events.
func (s *Sideband) Events() <-chan Event {
	return s.eventCh
}

// Errors returns the channel that receives the read loop's terminal error.
func (s *Sideband) Errors() <-chan error {
	return s.errCh
}

// Close closes the connection and waits for the read loop.
func (s *Sideband) Close() error {
	s.cancel()

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
