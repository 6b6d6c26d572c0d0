package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertType categorizes alerts.
type AlertType string

const (
	AlertTaskFailed       AlertType = "task_failed"
	AlertWorkflowFinished AlertType = "workflow_finished"
	AlertAgentUnhealthy   AlertType = "agent_unhealthy"
)

// Alert is an operator-facing notice.
type Alert struct {
	Type    AlertType `json:"type"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Subject string    `json:"subject,omitempty"` // task, workflow or agent id
	At      time.Time `json:"at"`
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Notify(context.Context, *Alert) error { return nil }

// Sink is one delivery channel such as a chat webhook.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// Record tracks a delivered alert.
type Record struct {
	Alert   *Alert   `json:"alert"`
	Targets []string `json:"targets"`
	Failed  []string `json:"failed,omitempty"`
}

// Broadcaster fans alerts out to every sink and keeps a bounded history.
// Sink failures are logged, never returned.
type Broadcaster struct {
	sinks   []Sink
	history []Record
	limit   int
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster over the given sinks.
func NewBroadcaster(logger *zap.Logger, sinks ...Sink) *Broadcaster {
	return &Broadcaster{
		sinks:  sinks,
		limit:  100,
		logger: logger,
	}
}

// AddSink registers another delivery channel.
func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Sinks returns the names of registered sinks.
func (b *Broadcaster) Sinks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.sinks))
	for i, s := range b.sinks {
		names[i] = s.Name()
	}
	return names
}

// Notify sends alert to all sinks.
func (b *Broadcaster) Notify(ctx context.Context, alert *Alert) error {
	if alert.At.IsZero() {
		alert.At = time.Now()
	}

	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	b.logger.Info("sending alert",
		zap.String("type", string(alert.Type)),
		zap.String("title", alert.Title),
		zap.String("subject", alert.Subject))

	rec := Record{Alert: alert}
	for _, s := range sinks {
		rec.Targets = append(rec.Targets, s.Name())
		if err := s.Send(ctx, alert); err != nil {
			rec.Failed = append(rec.Failed, s.Name())
			b.logger.Warn("alert delivery failed",
				zap.String("sink", s.Name()), zap.Error(err))
		}
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	b.mu.Unlock()
	return nil
}

// History returns up to limit recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}
