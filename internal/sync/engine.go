package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/store"
	"github.com/matheus3301/wppdesk/internal/wa"
	"go.uber.org/zap"
)

// Typing is published on chat.typing.
type Typing struct {
	ChatID   string
	From     string
	IsTyping bool
}

// Presence is published on chat.presence.
type Presence struct {
	ChatID string
	Status string
}

// ErrEngineStopped is returned by Deliver once the engine has stopped.
var ErrEngineStopped = errors.New("sync engine stopped")

const frameBuffer = 64

// Engine applies push-channel frames to the MessageStore. Frames arrive
// through Deliver and are handled one at a time on a single goroutine.
type Engine struct {
	store    *MessageStore
	bus      *bus.Bus
	logger   *zap.Logger
	frames   chan wa.Frame
	stopped  chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(s *MessageStore, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   s,
		bus:     b,
		logger:  logger,
		frames:  make(chan wa.Frame, frameBuffer),
		stopped: make(chan struct{}),
	}
}

// Deliver queues one frame for the engine. It blocks while the queue is full
// and gives up only when ctx is done or the engine stops.
func (e *Engine) Deliver(ctx context.Context, f wa.Frame) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	select {
	case e.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// Start begins applying delivered frames.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		for {
			select {
			case f := <-e.frames:
				e.handleFrame(f)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the loop to exit. Pending Deliver
// calls return ErrEngineStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopped) })
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleFrame(f wa.Frame) {
	if err := e.Apply(f); err != nil {
		e.logger.Warn("failed to apply push frame", zap.String("type", string(f.Type)), zap.Error(err))
	}
}

// Apply dispatches one frame. Frames the store does not care about are ignored.
func (e *Engine) Apply(f wa.Frame) error {
	switch f.Type {
	case wa.FrameNewMessage:
		var w wa.WireMessage
		if err := f.Decode(&w); err != nil {
			return err
		}
		m := w.ToStoreMessage("")
		e.store.ApplyMessages(m.ChatID, []store.Message{m})
	case wa.FrameMessageStatus:
		var sd wa.StatusData
		if err := f.Decode(&sd); err != nil {
			return err
		}
		e.store.ApplyStatus(sd.ChatID.String(), string(sd.MessageID), wa.ParseStatus(sd.Status, sd.Ack))
	case wa.FrameTyping:
		var td wa.TypingData
		if err := f.Decode(&td); err != nil {
			return err
		}
		e.bus.Emit(bus.KindChatTyping, Typing{ChatID: td.ChatID.String(), From: td.From.String(), IsTyping: td.IsTyping})
	case wa.FramePresence:
		var pd wa.PresenceData
		if err := f.Decode(&pd); err != nil {
			return err
		}
		e.bus.Emit(bus.KindChatPresence, Presence{ChatID: pd.ChatID.String(), Status: pd.Status})
	}
	return nil
}
