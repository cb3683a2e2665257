package sync

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/cache"
	"github.com/matheus3301/wppdesk/internal/store"
	"github.com/matheus3301/wppdesk/internal/wa"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeHistory serves per-chat wire histories and counts fetches.
type fakeHistory struct {
	mu    sync.Mutex
	pages map[string][]wa.WireMessage
	calls map[string]int
	gate  map[string]chan struct{}
	err   error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		pages: make(map[string][]wa.WireMessage),
		calls: make(map[string]int),
		gate:  make(map[string]chan struct{}),
	}
}

func (f *fakeHistory) ListMessages(_ context.Context, chatID string) ([]wa.WireMessage, error) {
	f.mu.Lock()
	f.calls[chatID]++
	gate := f.gate[chatID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.pages[chatID]), nil
}

func (f *fakeHistory) add(chatID string, w wa.WireMessage) {
	f.mu.Lock()
	f.pages[chatID] = append(f.pages[chatID], w)
	f.mu.Unlock()
}

func (f *fakeHistory) callCount(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chatID]
}

type fakeSeen struct {
	err   error
	calls []string
}

func (f *fakeSeen) MarkSeen(_ context.Context, chatID string) error {
	f.calls = append(f.calls, chatID)
	return f.err
}

type fakeSender struct {
	serverID string
	err      error
	calls    int
}

func (f *fakeSender) Send(context.Context, string, string, string) (string, error) {
	f.calls++
	return f.serverID, f.err
}

type brokenCounters struct {
	readErr  error
	writeErr error
}

func (b brokenCounters) MessageCount(chatID string) (int, bool, error) {
	if b.readErr != nil {
		return 0, false, &store.PersistenceError{Op: "read", ChatID: chatID, Err: b.readErr}
	}
	return 0, false, nil
}

func (b brokenCounters) SetMessageCount(chatID string, _ int) error {
	if b.writeErr != nil {
		return &store.PersistenceError{Op: "write", ChatID: chatID, Err: b.writeErr}
	}
	return nil
}

func wire(id string, ts int64, fromMe bool) wa.WireMessage {
	return wa.WireMessage{ID: wa.ID(id), FromMe: fromMe, Body: id, Type: "chat", Timestamp: ts}
}

func newTestStore(cfg StoreConfig) (*MessageStore, *bus.Bus) {
	b := bus.New()
	cfg.Bus = b
	cfg.Logger = zap.NewNop()
	return NewMessageStore(cfg), b
}

func drainDeltas(ch <-chan bus.Event) []Delta {
	var out []Delta
	for {
		select {
		case evt := <-ch:
			if d, ok := evt.Payload.(Delta); ok {
				out = append(out, d)
			}
		default:
			return out
		}
	}
}

const chatA = "111@c.us"
const chatB = "222@c.us"

func TestLoadChatMessagesServesResidentList(t *testing.T) {
	h := newFakeHistory()
	h.add(chatA, wire("m2", 2000, false))
	h.add(chatA, wire("m1", 1000, true))
	s, _ := newTestStore(StoreConfig{History: h})
	ctx := context.Background()

	first := s.LoadChatMessages(ctx, chatA)
	if got := ids(first); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Fatalf("first load = %v", got)
	}
	if first[0].Timestamp != 1000_000 {
		t.Errorf("timestamp = %d, want ms", first[0].Timestamp)
	}

	h.add(chatA, wire("m3", 3000, false))
	second := s.LoadChatMessages(ctx, chatA)
	if !slices.Equal(first, second) {
		t.Errorf("resident list changed: %v", ids(second))
	}
	if n := h.callCount(chatA); n != 1 {
		t.Errorf("history fetched %d times, want 1", n)
	}
}

func TestLoadChatMessagesDiscardsSupersededResult(t *testing.T) {
	h := newFakeHistory()
	h.add(chatA, wire("a1", 1, false))
	h.add(chatB, wire("b1", 1, false))
	release := make(chan struct{})
	h.gate[chatA] = release
	s, _ := newTestStore(StoreConfig{History: h})
	ctx := context.Background()

	done := make(chan []store.Message)
	go func() { done <- s.LoadChatMessages(ctx, chatA) }()
	for h.callCount(chatA) == 0 {
		time.Sleep(time.Millisecond)
	}

	if got := ids(s.LoadChatMessages(ctx, chatB)); !slices.Equal(got, []string{"b1"}) {
		t.Errorf("chat B = %v", got)
	}
	close(release)

	if late := <-done; late != nil {
		t.Errorf("superseded load returned %v", ids(late))
	}
	if len(s.Messages(chatA)) != 0 {
		t.Error("superseded result was stored")
	}
	if s.CurrentChat() != chatB {
		t.Errorf("current = %q", s.CurrentChat())
	}
}

func TestLoadChatMessagesFetchErrorReturnsEmpty(t *testing.T) {
	h := newFakeHistory()
	h.err = errors.New("502")
	s, _ := newTestStore(StoreConfig{History: h})
	if got := s.LoadChatMessages(context.Background(), chatA); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestReloadNotifiesOnlyForNewInbound(t *testing.T) {
	h := newFakeHistory()
	h.add(chatA, wire("m1", 1, false))
	s, b := newTestStore(StoreConfig{History: h, Counters: testDB(t)})
	deltas, unsub := b.Subscribe(bus.KindMessageDelta, 16)
	defer unsub()
	ctx := context.Background()

	s.ReloadChatMessages(ctx, chatA)
	if d := drainDeltas(deltas); len(d) != 0 {
		t.Fatalf("first reload notified: %+v", d)
	}

	h.add(chatA, wire("m2", 2, true))
	s.ReloadChatMessages(ctx, chatA)
	if d := drainDeltas(deltas); len(d) != 0 {
		t.Fatalf("outbound-only growth notified: %+v", d)
	}

	h.add(chatA, wire("m3", 3, false))
	h.add(chatA, wire("m4", 4, true))
	s.ReloadChatMessages(ctx, chatA)
	d := drainDeltas(deltas)
	if len(d) != 1 {
		t.Fatalf("got %d deltas, want 1", len(d))
	}
	if got := ids(d[0].Messages); !slices.Equal(got, []string{"m3", "m4"}) {
		t.Errorf("delta messages = %v", got)
	}
	if !d[0].Inbound || d[0].Source != SourceReload || d[0].ChatID != chatA {
		t.Errorf("delta = %+v", d[0])
	}
}

func TestReloadIsIdempotent(t *testing.T) {
	h := newFakeHistory()
	h.add(chatA, wire("m1", 1, false))
	h.add(chatA, wire("m2", 2, false))
	s, b := newTestStore(StoreConfig{History: h, Counters: testDB(t)})
	deltas, unsub := b.Subscribe(bus.KindMessageDelta, 16)
	defer unsub()
	ctx := context.Background()

	s.ReloadChatMessages(ctx, chatA)
	h.add(chatA, wire("m3", 3, false))
	first := s.ReloadChatMessages(ctx, chatA)
	drainDeltas(deltas)

	second := s.ReloadChatMessages(ctx, chatA)
	if !slices.Equal(first, second) {
		t.Errorf("outputs differ: %v vs %v", ids(first), ids(second))
	}
	if d := drainDeltas(deltas); len(d) != 0 {
		t.Errorf("second reload notified: %+v", d)
	}
	if n := h.callCount(chatA); n != 3 {
		t.Errorf("fetches = %d, want one per reload", n)
	}
}

func TestReloadCounterSurvivesRestart(t *testing.T) {
	db := testDB(t)
	h := newFakeHistory()
	h.add(chatA, wire("m1", 1, false))

	s1, _ := newTestStore(StoreConfig{History: h, Counters: db})
	s1.ReloadChatMessages(context.Background(), chatA)

	h.add(chatA, wire("m2", 2, false))
	s2, b := newTestStore(StoreConfig{History: h, Counters: db})
	deltas, unsub := b.Subscribe(bus.KindMessageDelta, 4)
	defer unsub()
	s2.ReloadChatMessages(context.Background(), chatA)

	if d := drainDeltas(deltas); len(d) != 1 {
		t.Errorf("got %d deltas after restart, want 1", len(d))
	}
}

func TestReloadDegradesToMemoryOnPersistenceError(t *testing.T) {
	h := newFakeHistory()
	h.add(chatA, wire("m1", 1, false))
	s, b := newTestStore(StoreConfig{History: h, Counters: brokenCounters{writeErr: errors.New("disk full")}})
	deltas, unsub := b.Subscribe(bus.KindMessageDelta, 4)
	defer unsub()
	ctx := context.Background()

	if got := s.ReloadChatMessages(ctx, chatA); len(got) != 1 {
		t.Fatalf("reload returned %v", ids(got))
	}
	h.add(chatA, wire("m2", 2, false))
	s.ReloadChatMessages(ctx, chatA)

	if d := drainDeltas(deltas); len(d) != 1 {
		t.Errorf("got %d deltas, want 1 from the in-memory count", len(d))
	}
}

func TestApplyMessagesCreatesChatAndDedupes(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	deltas, unsub := b.Subscribe(bus.KindMessageDelta, 4)
	defer unsub()

	in := store.Message{ID: "p1", ChatID: chatA, Body: "hello", Timestamp: 5000}
	if added := s.ApplyMessages(chatA, []store.Message{in}); len(added) != 1 {
		t.Fatalf("added = %v", added)
	}
	if added := s.ApplyMessages(chatA, []store.Message{in}); added != nil {
		t.Errorf("redelivery added %v", added)
	}

	c, ok := s.Chat(chatA)
	if !ok {
		t.Fatal("chat not created")
	}
	if c.UnreadCount != 1 || c.LastMessageID != "p1" || c.LastMessagePreview != "hello" || c.Timestamp != 5000 {
		t.Errorf("chat = %+v", c)
	}
	d := drainDeltas(deltas)
	if len(d) != 1 || !d[0].Inbound || d[0].Source != SourcePush {
		t.Errorf("deltas = %+v", d)
	}
}

func TestPushAndPollConverge(t *testing.T) {
	h := newFakeHistory()
	h.add(chatA, wire("m1", 1, false))
	h.add(chatA, wire("m3", 3, false))
	s, _ := newTestStore(StoreConfig{History: h})

	s.ApplyMessages(chatA, []store.Message{{ID: "m2", ChatID: chatA, Timestamp: 2000}})
	s.ApplyMessages(chatA, []store.Message{{ID: "m3", ChatID: chatA, Timestamp: 3000}})
	got := s.LoadChatMessages(context.Background(), chatA)

	if !slices.Equal(ids(got), []string{"m1", "m2", "m3"}) {
		t.Errorf("sequence = %v", ids(got))
	}
}

func TestApplyStatusAdvances(t *testing.T) {
	s, b := newTestStore(StoreConfig{})
	st, unsub := b.Subscribe(bus.KindMessageStatus, 4)
	defer unsub()
	s.ApplyMessages(chatA, []store.Message{{ID: "m1", ChatID: chatA, FromMe: true, Status: store.StatusSent}})

	if !s.ApplyStatus(chatA, "m1", store.StatusRead) {
		t.Error("sent -> read should apply")
	}
	if s.ApplyStatus(chatA, "m1", store.StatusDelivered) {
		t.Error("read -> delivered should be ignored")
	}
	if got := s.Messages(chatA)[0].Status; got != store.StatusRead {
		t.Errorf("status = %s", got)
	}
	if len(st) != 1 {
		t.Errorf("status events = %d, want 1", len(st))
	}
}

func TestChatsOrderedPinnedThenRecent(t *testing.T) {
	s, _ := newTestStore(StoreConfig{})
	s.MergeChats([]store.Chat{
		{ID: "old@c.us", Timestamp: 100},
		{ID: "new@c.us", Timestamp: 300},
		{ID: "pin@c.us", Timestamp: 50, Pinned: true},
		{ID: "mid@c.us", Timestamp: 200, Archived: true},
	})
	var got []string
	for _, c := range s.Chats() {
		got = append(got, c.ID)
	}
	want := []string{"pin@c.us", "new@c.us", "mid@c.us", "old@c.us"}
	if !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if s.ChatCount() != 4 {
		t.Errorf("count = %d", s.ChatCount())
	}
}

func TestMergeChatsKeepsPictureAndNewerActivity(t *testing.T) {
	s, _ := newTestStore(StoreConfig{})
	s.MergeChats([]store.Chat{{ID: chatA, Name: "Ann", PictureURL: "https://p/1"}})
	s.ApplyMessages(chatA, []store.Message{{ID: "p1", ChatID: chatA, Body: "late", Timestamp: 9000}})
	s.MergeChats([]store.Chat{{ID: chatA, Name: "Ann B", Timestamp: 1000, UnreadCount: -3}})

	c, _ := s.Chat(chatA)
	if c.Name != "Ann B" || c.PictureURL != "https://p/1" {
		t.Errorf("chat = %+v", c)
	}
	if c.Timestamp != 9000 || c.LastMessageID != "p1" {
		t.Errorf("older snapshot overwrote activity: %+v", c)
	}
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d", c.UnreadCount)
	}
}

func TestMarkAsReadRevert(t *testing.T) {
	seen := &fakeSeen{err: errors.New("offline")}
	s, _ := newTestStore(StoreConfig{Seen: seen})
	s.MergeChats([]store.Chat{{ID: chatA, UnreadCount: 4}})

	res := s.MarkAsRead(context.Background(), chatA)
	if res.OK || res.Err == nil {
		t.Fatalf("result = %+v, want failure", res)
	}
	if c, _ := s.Chat(chatA); c.UnreadCount != 0 {
		t.Errorf("optimistic unread = %d, want 0", c.UnreadCount)
	}
	res.Revert()
	res.Revert()
	if c, _ := s.Chat(chatA); c.UnreadCount != 4 {
		t.Errorf("reverted unread = %d, want 4", c.UnreadCount)
	}

	seen.err = nil
	if res := s.MarkAsRead(context.Background(), chatA); !res.OK {
		t.Errorf("MarkAsRead failed: %v", res.Err)
	}
	if len(seen.calls) != 2 {
		t.Errorf("seen calls = %d", len(seen.calls))
	}
}

func TestSendReplacesPendingWithServerID(t *testing.T) {
	sender := &fakeSender{serverID: "srv-1"}
	s, b := newTestStore(StoreConfig{Sender: sender})
	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 1)
	defer unsub()

	if !s.SendMessage(context.Background(), chatA, "hello") {
		t.Fatal("SendMessage returned false")
	}
	msgs := s.Messages(chatA)
	if len(msgs) != 1 || msgs[0].ID != "srv-1" || msgs[0].Status != store.StatusSent || !msgs[0].FromMe {
		t.Errorf("messages = %+v", msgs)
	}
	if len(acks) != 1 {
		t.Error("no send ack event")
	}
}

func TestSendFailureKeepsPendingUntilRevert(t *testing.T) {
	sender := &fakeSender{err: errors.New("500")}
	s, b := newTestStore(StoreConfig{Sender: sender})
	fails, unsub := b.Subscribe(bus.KindMessageSendFail, 1)
	defer unsub()

	res := s.Send(context.Background(), chatA, "hello")
	if res.OK {
		t.Fatal("send should fail")
	}
	msgs := s.Messages(chatA)
	if len(msgs) != 1 || msgs[0].Status != store.StatusPending {
		t.Fatalf("messages = %+v", msgs)
	}
	res.Revert()
	if n := len(s.Messages(chatA)); n != 0 {
		t.Errorf("%d messages after revert", n)
	}
	if len(fails) != 1 {
		t.Error("no send failure event")
	}
}

func TestResetDropsEverything(t *testing.T) {
	s, _ := newTestStore(StoreConfig{})
	s.ApplyMessages(chatA, []store.Message{{ID: "m", ChatID: chatA}})
	s.Reset()
	if s.ChatCount() != 0 || len(s.Messages(chatA)) != 0 || s.CurrentChat() != "" {
		t.Error("Reset left state behind")
	}
}

func TestSendMessageFailureLeavesNothingBehind(t *testing.T) {
	sender := &fakeSender{err: errors.New("500")}
	s, _ := newTestStore(StoreConfig{Sender: sender})

	if s.SendMessage(context.Background(), chatA, "hello") {
		t.Fatal("SendMessage should report failure")
	}
	if msgs := s.Messages(chatA); len(msgs) != 0 {
		t.Errorf("messages after failed send = %+v", msgs)
	}
}

func TestMarkAsReadInvalidatesChatPages(t *testing.T) {
	c := cache.New()
	s, _ := newTestStore(StoreConfig{Seen: &fakeSeen{}, Cache: c})
	ctx := context.Background()

	loads := 0
	page := func(unread int) func(context.Context) ([]store.Chat, error) {
		return func(context.Context) ([]store.Chat, error) {
			loads++
			return []store.Chat{{ID: chatA, UnreadCount: unread}}, nil
		}
	}
	for _, key := range []string{"chats:50:0", "groups:50:0"} {
		if _, err := cache.Get(ctx, c, key, time.Minute, page(3)); err != nil {
			t.Fatal(err)
		}
	}
	snapshot, _ := cache.Get(ctx, c, "chats:50:0", time.Minute, page(3))
	s.MergeChats(snapshot)

	s.MarkAsRead(ctx, chatA)

	fresh, err := cache.Get(ctx, c, "chats:50:0", time.Minute, page(0))
	if err != nil {
		t.Fatal(err)
	}
	if loads != 3 || fresh[0].UnreadCount != 0 {
		t.Errorf("loads = %d, unread = %d: chat page served from before MarkAsRead", loads, fresh[0].UnreadCount)
	}
	if c.Len() != 1 {
		t.Errorf("cache entries = %d, want only the refetched page", c.Len())
	}
}

func TestSendInvalidatesHistory(t *testing.T) {
	hist := newFakeHistory()
	hist.add(chatA, wire("m1", 100, false))
	c := cache.New()
	s, _ := newTestStore(StoreConfig{History: hist, Sender: &fakeSender{serverID: "srv-1"}, Cache: c})
	ctx := context.Background()

	s.LoadChatMessages(ctx, chatA)
	if c.Len() != 1 {
		t.Fatalf("cache entries = %d after load, want 1", c.Len())
	}
	s.SendMessage(ctx, chatA, "hello")
	if c.Len() != 0 {
		t.Errorf("cache entries = %d after send, want history dropped", c.Len())
	}
}

func TestSendWithoutServerIDSettlesOnReload(t *testing.T) {
	hist := newFakeHistory()
	s, _ := newTestStore(StoreConfig{History: hist, Sender: &fakeSender{}})
	ctx := context.Background()

	if !s.SendMessage(ctx, chatA, "hello") {
		t.Fatal("send failed")
	}
	local := s.Messages(chatA)
	if len(local) != 1 {
		t.Fatalf("messages = %+v", local)
	}

	hist.add(chatA, wa.WireMessage{ID: "srv-9", FromMe: true, Body: "hello", Timestamp: local[0].Timestamp + 5, Ack: ptr(2)})
	msgs := s.ReloadChatMessages(ctx, chatA)
	if len(msgs) != 1 || msgs[0].ID != "srv-9" {
		t.Errorf("messages after reload = %+v, want only the server copy", msgs)
	}

	// The server copy is not claimed twice.
	s.ApplyMessages(chatA, []store.Message{{ID: "srv-9", ChatID: chatA, FromMe: true, Body: "hello"}})
	if n := len(s.Messages(chatA)); n != 1 {
		t.Errorf("%d messages after push echo", n)
	}
}

func TestSendWithoutServerIDSettlesOnPushEcho(t *testing.T) {
	s, _ := newTestStore(StoreConfig{Sender: &fakeSender{}})
	ctx := context.Background()

	s.SendMessage(ctx, chatA, "hello")
	s.SendMessage(ctx, chatA, "other")
	s.ApplyMessages(chatA, []store.Message{{ID: "srv-1", ChatID: chatA, FromMe: true, Body: "hello", Timestamp: time.Now().UnixMilli()}})

	msgs := s.Messages(chatA)
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	ids := []string{msgs[0].ID, msgs[1].ID}
	if !slices.Contains(ids, "srv-1") {
		t.Errorf("ids = %v, want srv-1 in place of the local copy", ids)
	}
}

func TestReloadAdvancesDeliveryStatus(t *testing.T) {
	hist := newFakeHistory()
	hist.add(chatA, wa.WireMessage{ID: "out", FromMe: true, Body: "hi", Timestamp: 100, Ack: ptr(1)})
	s, b := newTestStore(StoreConfig{History: hist})
	ctx := context.Background()
	s.LoadChatMessages(ctx, chatA)

	statuses, unsub := b.Subscribe(bus.KindMessageStatus, 4)
	defer unsub()

	hist.mu.Lock()
	hist.pages[chatA][0].Ack = ptr(3)
	hist.mu.Unlock()

	msgs := s.ReloadChatMessages(ctx, chatA)
	if len(msgs) != 1 || msgs[0].Status != store.StatusRead {
		t.Fatalf("messages = %+v", msgs)
	}
	select {
	case evt := <-statuses:
		u := evt.Payload.(StatusUpdate)
		if u.MessageID != "out" || u.Status != store.StatusRead {
			t.Errorf("status event = %+v", u)
		}
	default:
		t.Error("no message.status event")
	}
}

func ptr(n int) *int { return &n }
