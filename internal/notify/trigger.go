package notify

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/metrics"
	msync "github.com/matheus3301/wppdesk/internal/sync"
	"github.com/matheus3301/wppdesk/internal/wa"
	"go.uber.org/zap"
)

// Profile selects the alert played for a notification.
type Profile string

const (
	ProfileReceived Profile = "received"
	ProfileSent     Profile = "sent"
)

// Alert is one notification handed to a Notifier.
type Alert struct {
	Profile Profile
	ChatID  string
	Count   int
	Preview string
	At      time.Time
}

// Notifier delivers alerts to whatever surface the daemon runs with.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogNotifier writes alerts to the daemon log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	n.Logger.Info("notification",
		zap.String("profile", string(a.Profile)),
		zap.String("chat", a.ChatID),
		zap.Int("messages", a.Count),
		zap.String("preview", a.Preview))
	return nil
}

// Trigger turns message deltas into alerts, at most one per MinInterval.
// Events inside the window are dropped, not queued.
type Trigger struct {
	minInterval time.Duration
	notifier    Notifier
	bus         *bus.Bus
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	mu   sync.Mutex
	last time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTrigger creates a trigger. A zero interval means one second.
func NewTrigger(minInterval time.Duration, n Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Trigger {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = LogNotifier{Logger: logger}
	}
	return &Trigger{
		minInterval: minInterval,
		notifier:    n,
		bus:         b,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Start consumes message.delta events until Stop.
func (t *Trigger) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	ch, unsub := t.bus.Subscribe(bus.KindMessageDelta, 64)

	go func() {
		defer close(t.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if d, ok := evt.Payload.(msync.Delta); ok {
					t.Handle(ctx, d)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the consumer loop.
func (t *Trigger) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

// Handle decides whether a delta produces an alert and reports if it did.
func (t *Trigger) Handle(ctx context.Context, d msync.Delta) bool {
	if len(d.Messages) == 0 {
		return false
	}
	profile := ProfileSent
	if d.Inbound {
		profile = ProfileReceived
	}

	t.mu.Lock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.minInterval {
		t.mu.Unlock()
		t.metrics.Notification(string(profile), "suppressed")
		return false
	}
	t.last = now
	t.mu.Unlock()

	latest := d.Messages[len(d.Messages)-1]
	a := Alert{
		Profile: profile,
		ChatID:  d.ChatID,
		Count:   len(d.Messages),
		Preview: wa.Preview(latest.Body),
		At:      now,
	}
	if err := t.notifier.Notify(ctx, a); err != nil {
		t.logger.Warn("notifier failed", zap.Error(err), zap.String("chat", d.ChatID))
		t.metrics.Notification(string(profile), "failed")
		return false
	}
	t.metrics.Notification(string(profile), "sent")
	return true
}
