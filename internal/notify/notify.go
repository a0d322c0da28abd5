package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a user-facing acknowledgment of a mutation outcome.
type Notice struct {
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Operation  string    `json:"operation,omitempty"`
	MutationID string    `json:"mutationId,omitempty"`
	At         time.Time `json:"at"`
}

type Notifier interface {
	Notify(Notice)
}

type Func func(Notice)

func (f Func) Notify(n Notice) {
	f(n)
}

type Nop struct{}

func (Nop) Notify(Notice) {}

// Multi fans a notice out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(n Notice) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notify"))}
}

func (l *LogNotifier) Notify(n Notice) {
	fields := []zap.Field{
		zap.String("operation", n.Operation),
		zap.String("mutation_id", n.MutationID),
	}
	if n.Level == LevelError {
		l.logger.Warn(n.Message, fields...)
		return
	}
	l.logger.Info(n.Message, fields...)
}

const DefaultRecorderSize = 64

// Recorder keeps the most recent notices in a fixed-size ring.
type Recorder struct {
	mu     sync.Mutex
	ring   []Notice
	next   int
	filled bool
}

func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{ring: make([]Notice, size)}
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = n
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.filled = true
	}
}

// Recent returns the recorded notices, oldest first.
func (r *Recorder) Recent() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		return append([]Notice(nil), r.ring[:r.next]...)
	}
	out := make([]Notice, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}
