package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type frameSink struct {
	mu     sync.Mutex
	frames []string
}

func (s *frameSink) emit(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(frame))
}

func (s *frameSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func TestBackoffIsCappedAndBounded(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, MaxRetries: 5}
	delay, ok := b.Next(0)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, delay)
	delay, _ = b.Next(2)
	assert.Equal(t, 400*time.Millisecond, delay)
	delay, _ = b.Next(4)
	assert.Equal(t, time.Second, delay)
	_, ok = b.Next(5)
	assert.False(t, ok)

	jittered := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, JitterFactor: 0.3}
	for i := 0; i < 20; i++ {
		delay, _ := jittered.Next(1)
		assert.GreaterOrEqual(t, delay, 1400*time.Millisecond)
		assert.LessOrEqual(t, delay, 2600*time.Millisecond)
	}
}

func TestWebSocketSourceReconnects(t *testing.T) {
	var connections atomic.Int32
	var authHeader atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)
		ctx := r.Context()
		frame := `{"operation":"refetchRootTreeNode","spaceId":"s` + string(rune('0'+n)) + `"}`
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		if n == 1 {
			// drop the first connection to force a redial
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		<-ctx.Done()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	var reconnects []bool
	var mu sync.Mutex
	source, err := NewWebSocketSource(WebSocketConfig{
		URL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:   "secret",
		Backoff: Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		Logger:  zaptest.NewLogger(t),
		OnConnect: func(reconnect bool) {
			mu.Lock()
			reconnects = append(reconnects, reconnect)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &frameSink{}
	done := make(chan error, 1)
	go func() { done <- source.Stream(ctx, sink.emit) }()

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{
		`{"operation":"refetchRootTreeNode","spaceId":"s1"}`,
		`{"operation":"refetchRootTreeNode","spaceId":"s2"}`,
	}, sink.all())
	mu.Lock()
	assert.Equal(t, []bool{false, true}, reconnects)
	mu.Unlock()
	assert.Equal(t, "Bearer secret", authHeader.Load())
}

func TestWebSocketSourceGivesUpAfterMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	source, err := NewWebSocketSource(WebSocketConfig{
		URL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Backoff: Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2, MaxRetries: 2},
	})
	require.NoError(t, err)

	err = source.Stream(context.Background(), func([]byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestNewWebSocketSourceRequiresURL(t *testing.T) {
	_, err := NewWebSocketSource(WebSocketConfig{})
	require.Error(t, err)
}

func TestFileSourceReplaysLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	content := "{\"operation\":\"a\"}\n\n  {\"operation\":\"b\"}  \n{\"operation\":\"c\"}"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sink := &frameSink{}
	source := &FileSource{Path: path}
	require.NoError(t, source.Stream(context.Background(), sink.emit))

	assert.Equal(t, []string{`{"operation":"a"}`, `{"operation":"b"}`, `{"operation":"c"}`}, sink.all())
}

func TestFileSourceFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"n\":1}\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &frameSink{}
	source := &FileSource{Path: path, Follow: true, Logger: zaptest.NewLogger(t)}
	done := make(chan error, 1)
	go func() { done <- source.Stream(ctx, sink.emit) }()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"n\":2}\n{\"n\":")
	require.NoError(t, err)
	_, err = f.WriteString("3}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(sink.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, sink.all())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestFileSourceMissingFile(t *testing.T) {
	source := &FileSource{Path: filepath.Join(t.TempDir(), "absent.ndjson")}
	require.Error(t, source.Stream(context.Background(), func([]byte) {}))
}
