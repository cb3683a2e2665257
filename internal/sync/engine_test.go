package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/store"
	"github.com/matheus3301/wppdesk/internal/wa"
)

func frame(t *testing.T, ft wa.FrameType, data any) wa.Frame {
	t.Helper()
	raw, err := wa.NewFrame(ft, data)
	if err != nil {
		t.Fatal(err)
	}
	f, err := wa.ParseFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEngineAppliesNewMessage(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)

	err := e.Apply(frame(t, wa.FrameNewMessage, wa.WireMessage{
		ID: "m1", From: "111@c.us", To: "me@c.us", Body: "hi", Type: "chat", Timestamp: 1700000000,
	}))
	if err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages(chatA)
	if len(msgs) != 1 || msgs[0].Body != "hi" || msgs[0].Timestamp != 1700000000000 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestEngineAppliesStatus(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)
	s.ApplyMessages(chatA, []store.Message{{ID: "m1", ChatID: chatA, FromMe: true, Status: store.StatusSent}})

	ack := 3
	if err := e.Apply(frame(t, wa.FrameMessageStatus, wa.StatusData{ChatID: chatA, MessageID: "m1", Ack: &ack})); err != nil {
		t.Fatal(err)
	}
	if got := s.Messages(chatA)[0].Status; got != store.StatusRead {
		t.Errorf("status = %s", got)
	}
}

func TestEngineRepublishesTypingAndPresence(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)
	ch, unsub := b.Subscribe("chat.", 4)
	defer unsub()

	_ = e.Apply(frame(t, wa.FrameTyping, wa.TypingData{ChatID: "111:3@s.whatsapp.net", IsTyping: true}))
	_ = e.Apply(frame(t, wa.FramePresence, wa.PresenceData{ChatID: chatA, Status: "online"}))

	evt := <-ch
	typing, ok := evt.Payload.(Typing)
	if evt.Kind != bus.KindChatTyping || !ok || !typing.IsTyping || typing.ChatID != "111@s.whatsapp.net" {
		t.Errorf("typing event = %+v", evt)
	}
	evt = <-ch
	if p, ok := evt.Payload.(Presence); evt.Kind != bus.KindChatPresence || !ok || p.Status != "online" {
		t.Errorf("presence event = %+v", evt)
	}
}

func TestEngineRejectsMalformedData(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)
	if err := e.Apply(wa.Frame{Type: wa.FrameNewMessage}); err == nil {
		t.Error("want error for frame without data")
	}
	if err := e.Apply(wa.Frame{Type: wa.FramePong}); err != nil {
		t.Errorf("pong should be ignored, got %v", err)
	}
}

func TestEngineAppliesDeliveredFrames(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)
	e.Start(context.Background())
	defer e.Stop()

	err := e.Deliver(context.Background(), frame(t, wa.FrameNewMessage, wa.WireMessage{
		ID: "m1", ChatID: chatA, Body: "hi",
	}))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for len(s.Messages(chatA)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine did not apply the delivered message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A burst far larger than the queue reaches the store in full.
func TestEngineDeliverBurstLosesNothing(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)
	e.Start(context.Background())
	defer e.Stop()

	const n = 1000
	for i := range n {
		f := frame(t, wa.FrameNewMessage, wa.WireMessage{
			ID: wa.ID(fmt.Sprintf("m%04d", i)), ChatID: chatA, Body: "x", Timestamp: int64(i + 1),
		})
		if err := e.Deliver(context.Background(), f); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(s.Messages(chatA)) < n {
		if time.Now().After(deadline) {
			t.Fatalf("applied %d of %d frames", len(s.Messages(chatA)), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineDeliverBlocksUntilContextDone(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)
	f := frame(t, wa.FrameTyping, wa.TypingData{ChatID: chatA})
	for range frameBuffer {
		if err := e.Deliver(context.Background(), f); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Deliver(ctx, f); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Deliver on full queue = %v, want deadline exceeded", err)
	}
}

func TestEngineDeliverAfterStop(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	e := NewEngine(s, b, nil)
	e.Start(context.Background())
	e.Stop()

	err := e.Deliver(context.Background(), frame(t, wa.FrameTyping, wa.TypingData{ChatID: chatA}))
	if !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Deliver after Stop = %v, want ErrEngineStopped", err)
	}
}
