package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Source produces raw event frames until ctx ends or the source gives up.
type Source interface {
	Stream(ctx context.Context, emit func(frame []byte)) error
}

type WebSocketConfig struct {
	URL       string
	Token     string
	Header    http.Header
	Backoff   Backoff
	ReadLimit int64
	Logger    *zap.Logger
	// OnConnect runs after every successful dial. reconnect is false for the
	// first connection of a Stream call.
	OnConnect func(reconnect bool)
}

// WebSocketSource reads JSON text frames from the collaboration server and
// redials with backoff whenever the connection drops.
type WebSocketSource struct {
	cfg    WebSocketConfig
	logger *zap.Logger
}

func NewWebSocketSource(cfg WebSocketConfig) (*WebSocketSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("websocket url is required")
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSource{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "websocket"), zap.String("url", cfg.URL)),
	}, nil
}

func (s *WebSocketSource) Stream(ctx context.Context, emit func(frame []byte)) error {
	attempt := 0
	connected := false
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay, ok := s.cfg.Backoff.Next(attempt)
			if !ok {
				return errors.Wrapf(err, "dial %s after %d attempts", s.cfg.URL, attempt+1)
			}
			attempt++
			s.logger.Warn("dial failed", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
			if err := waitWithContext(ctx, delay); err != nil {
				return err
			}
			continue
		}

		attempt = 0
		s.logger.Info("connected", zap.Bool("reconnect", connected))
		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(connected)
		}
		connected = true

		err = s.read(ctx, conn, emit)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("connection lost", zap.Error(err))
	}
}

func (s *WebSocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for name, values := range s.cfg.Header {
		header[name] = append([]string(nil), values...)
	}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	return conn, nil
}

func (s *WebSocketSource) read(ctx context.Context, conn *websocket.Conn, emit func([]byte)) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		emit(data)
	}
}
