package sync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/cache"
	"github.com/matheus3301/wppdesk/internal/store"
	"github.com/matheus3301/wppdesk/internal/wa"
	"go.uber.org/zap"
)

// HistoryFetcher loads a chat's message history from the gateway.
type HistoryFetcher interface {
	ListMessages(ctx context.Context, chatID string) ([]wa.WireMessage, error)
}

// SeenMarker marks a chat as read on the gateway.
type SeenMarker interface {
	MarkSeen(ctx context.Context, chatID string) error
}

// Sender transmits an outgoing text and returns the server message id.
type Sender interface {
	Send(ctx context.Context, clientID, chatID, text string) (serverID string, err error)
}

// CounterStore persists the per-chat message count between reloads.
type CounterStore interface {
	MessageCount(chatID string) (count int, ok bool, err error)
	SetMessageCount(chatID string, count int) error
}

// Delta sources.
const (
	SourcePush   = "push"
	SourceReload = "reload"
	SourceSend   = "send"
)

// Delta is published on message.delta whenever new messages are observed.
type Delta struct {
	ChatID   string
	Messages []store.Message
	Inbound  bool
	Source   string
}

// StatusUpdate is published on message.status when a delivery status advances.
type StatusUpdate struct {
	ChatID    string
	MessageID string
	Status    store.DeliveryStatus
}

// Result is the outcome of an optimistic mutation. When OK is false the local
// change is still applied; calling Revert undoes it.
type Result struct {
	OK     bool
	Err    error
	revert func()
}

// Revert undoes the optimistic change. It is a no-op on success and safe to
// call more than once.
func (r *Result) Revert() {
	if r == nil || r.revert == nil {
		return
	}
	r.revert()
	r.revert = nil
}

func historyKey(chatID string) string { return "messages:" + chatID }

// StoreConfig holds the MessageStore collaborators.
type StoreConfig struct {
	History    HistoryFetcher
	Seen       SeenMarker
	Sender     Sender
	Counters   CounterStore
	Cache      *cache.Cache
	Bus        *bus.Bus
	HistoryTTL time.Duration
	Logger     *zap.Logger
}

// MessageStore is the single reconciliation point for chats and messages.
// Push events, snapshot pages and history fetches all merge through it.
type MessageStore struct {
	cfg    StoreConfig
	logger *zap.Logger

	mu        sync.Mutex
	chats     map[string]*store.Chat
	messages  map[string][]store.Message
	loaded    map[string]bool
	current   string
	memCounts map[string]int
	degraded  map[string]bool

	// unconfirmed holds, per chat, sent messages the gateway acknowledged
	// without an id. They still carry their client id.
	unconfirmed map[string]map[string]bool
}

// NewMessageStore creates an empty store.
func NewMessageStore(cfg StoreConfig) *MessageStore {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New()
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 10 * time.Second
	}
	s := &MessageStore{cfg: cfg, logger: cfg.Logger}
	s.resetLocked()
	return s
}

func (s *MessageStore) resetLocked() {
	s.chats = make(map[string]*store.Chat)
	s.messages = make(map[string][]store.Message)
	s.loaded = make(map[string]bool)
	s.memCounts = make(map[string]int)
	s.degraded = make(map[string]bool)
	s.unconfirmed = make(map[string]map[string]bool)
	s.current = ""
}

// Reset drops every chat and message. Used on logout.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// CurrentChat returns the most recently requested chat id.
func (s *MessageStore) CurrentChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Messages returns a copy of a chat's resident sequence.
func (s *MessageStore) Messages(chatID string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[wa.NormalizeID(chatID)])
}

// Chats returns all chats, pinned first and then by last activity.
func (s *MessageStore) Chats() []store.Chat {
	s.mu.Lock()
	out := make([]store.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	s.mu.Unlock()
	slices.SortFunc(out, compareChats)
	return out
}

// Chat returns one chat.
func (s *MessageStore) Chat(chatID string) (store.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[wa.NormalizeID(chatID)]
	if !ok {
		return store.Chat{}, false
	}
	return *c, true
}

// ChatCount is the number of chats held locally. It is the pagination cursor.
func (s *MessageStore) ChatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

// MergeChats upserts snapshot entries. Snapshot fields win except the
// picture, which is kept when the new entry has none.
func (s *MessageStore) MergeChats(chats []store.Chat) {
	if len(chats) == 0 {
		return
	}
	s.mu.Lock()
	for _, c := range chats {
		c.ID = wa.NormalizeID(c.ID)
		if c.ID == "" {
			continue
		}
		if prev, ok := s.chats[c.ID]; ok {
			if c.PictureURL == "" {
				c.PictureURL = prev.PictureURL
			}
			if c.Timestamp < prev.Timestamp {
				c.Timestamp = prev.Timestamp
				c.LastMessageID = prev.LastMessageID
				c.LastMessagePreview = prev.LastMessagePreview
			}
		}
		c.UnreadCount = max(c.UnreadCount, 0)
		s.chats[c.ID] = &c
	}
	s.mu.Unlock()
	s.cfg.Bus.Emit(bus.KindChatsUpdated, len(chats))
}

// LoadChatMessages returns the chat's history. A chat whose history is
// already resident is served without a network call. Results that arrive
// after another chat was requested are discarded.
func (s *MessageStore) LoadChatMessages(ctx context.Context, chatID string) []store.Message {
	chatID = wa.NormalizeID(chatID)
	s.mu.Lock()
	s.current = chatID
	if s.loaded[chatID] {
		out := slices.Clone(s.messages[chatID])
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	fetched, err := s.fetchHistory(ctx, chatID)
	if err != nil {
		s.logger.Warn("load chat messages", zap.String("chat", chatID), zap.Error(err))
		return nil
	}

	s.mu.Lock()
	if s.current != chatID {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded history", zap.String("chat", chatID), zap.String("current", s.current))
		return nil
	}
	out, changes := s.mergeHistoryLocked(chatID, fetched)
	s.mu.Unlock()

	s.emitStatus(changes)
	return out
}

// mergeHistoryLocked folds a fetched history into the resident sequence and
// marks it loaded.
func (s *MessageStore) mergeHistoryLocked(chatID string, fetched []store.Message) ([]store.Message, []StatusUpdate) {
	current := s.settleLocked(chatID, fetched)
	changes := StatusChanges(current, fetched)
	merged, _ := Merge(current, fetched)
	s.messages[chatID] = merged
	s.loaded[chatID] = true
	return slices.Clone(merged), changes
}

func (s *MessageStore) emitStatus(changes []StatusUpdate) {
	for _, u := range changes {
		s.cfg.Bus.Emit(bus.KindMessageStatus, u)
	}
}

// settleLocked drops unconfirmed sent messages that batch now carries under
// their server id, matched on body. It returns the chat's sequence without
// them.
func (s *MessageStore) settleLocked(chatID string, batch []store.Message) []store.Message {
	pending := s.unconfirmed[chatID]
	seq := s.messages[chatID]
	if len(pending) == 0 {
		return seq
	}
	known := make(map[string]bool, len(seq))
	for _, m := range seq {
		known[m.ID] = true
	}
	claimed := make(map[string]bool)
	for _, local := range seq {
		if !pending[local.ID] {
			continue
		}
		for _, m := range batch {
			if m.FromMe && m.Body == local.Body && !known[m.ID] && !claimed[m.ID] {
				claimed[m.ID] = true
				delete(pending, local.ID)
				seq = removeID(seq, local.ID)
				break
			}
		}
	}
	if len(pending) == 0 {
		delete(s.unconfirmed, chatID)
	}
	s.messages[chatID] = seq
	return seq
}

// ReloadChatMessages always refetches the history and compares the server
// message count with the count stored after the previous reload. A delta is
// published only when the count grew, a previous count existed and one of
// the new messages is inbound.
func (s *MessageStore) ReloadChatMessages(ctx context.Context, chatID string) []store.Message {
	chatID = wa.NormalizeID(chatID)
	s.mu.Lock()
	s.current = chatID
	s.mu.Unlock()

	s.cfg.Cache.Invalidate(historyKey(chatID))
	fresh, err := s.fetchHistory(ctx, chatID)
	if err != nil {
		s.logger.Warn("reload chat messages", zap.String("chat", chatID), zap.Error(err))
		return nil
	}

	s.mu.Lock()
	if s.current != chatID {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded reload", zap.String("chat", chatID))
		return nil
	}
	out, changes := s.mergeHistoryLocked(chatID, fresh)

	n := len(fresh)
	prev, hadPrev := s.countLocked(chatID)
	s.saveCountLocked(chatID, n)
	s.mu.Unlock()

	s.emitStatus(changes)

	delta := n - prev
	if !hadPrev || delta <= 0 {
		return out
	}
	observed := fresh[n-delta:]
	if inbound(observed) {
		s.cfg.Bus.Emit(bus.KindMessageDelta, Delta{
			ChatID:   chatID,
			Messages: slices.Clone(observed),
			Inbound:  true,
			Source:   SourceReload,
		})
	}
	return out
}

func (s *MessageStore) fetchHistory(ctx context.Context, chatID string) ([]store.Message, error) {
	if s.cfg.History == nil {
		return nil, errors.New("no history fetcher")
	}
	wire, err := cache.Get(ctx, s.cfg.Cache, historyKey(chatID), s.cfg.HistoryTTL,
		func(ctx context.Context) ([]wa.WireMessage, error) {
			return s.cfg.History.ListMessages(ctx, chatID)
		})
	if err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(wire))
	for i := range wire {
		msgs = append(msgs, wire[i].ToStoreMessage(chatID))
	}
	sorted, _ := Merge(nil, msgs)
	return sorted, nil
}

// countLocked reads the stored count, falling back to memory once the
// durable store has failed for this chat.
func (s *MessageStore) countLocked(chatID string) (int, bool) {
	if s.cfg.Counters != nil && !s.degraded[chatID] {
		n, ok, err := s.cfg.Counters.MessageCount(chatID)
		if err == nil {
			return n, ok
		}
		s.degradeLocked(chatID, err)
	}
	n, ok := s.memCounts[chatID]
	return n, ok
}

func (s *MessageStore) saveCountLocked(chatID string, n int) {
	s.memCounts[chatID] = n
	if s.cfg.Counters == nil || s.degraded[chatID] {
		return
	}
	if err := s.cfg.Counters.SetMessageCount(chatID, n); err != nil {
		s.degradeLocked(chatID, err)
	}
}

func (s *MessageStore) degradeLocked(chatID string, err error) {
	s.degraded[chatID] = true
	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		s.logger.Error("message counter unavailable, keeping it in memory", zap.String("chat", chatID), zap.Error(pe))
		return
	}
	s.logger.Error("message counter unavailable, keeping it in memory", zap.String("chat", chatID), zap.Error(err))
}

// ApplyMessages merges pushed messages into their chat, creating the chat
// when it is unknown. Inbound additions bump the unread count.
func (s *MessageStore) ApplyMessages(chatID string, batch []store.Message) []store.Message {
	chatID = wa.NormalizeID(chatID)
	if chatID == "" || len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	merged, added := Merge(s.settleLocked(chatID, batch), batch)
	if len(added) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.messages[chatID] = merged
	s.touchChatLocked(chatID, added)
	s.mu.Unlock()

	s.cfg.Bus.Emit(bus.KindMessageDelta, Delta{
		ChatID:   chatID,
		Messages: added,
		Inbound:  inbound(added),
		Source:   SourcePush,
	})
	s.cfg.Bus.Emit(bus.KindChatsUpdated, 1)
	return added
}

func (s *MessageStore) touchChatLocked(chatID string, added []store.Message) {
	c, ok := s.chats[chatID]
	if !ok {
		c = &store.Chat{ID: chatID, IsGroup: wa.IsGroupID(chatID)}
		s.chats[chatID] = c
	}
	for _, m := range added {
		if !m.FromMe {
			c.UnreadCount++
		}
		if m.Timestamp >= c.Timestamp {
			c.Timestamp = m.Timestamp
			c.LastMessageID = m.ID
			c.LastMessagePreview = wa.Preview(m.Body)
		}
	}
}

// ApplyStatus advances a message's delivery status. Regressions are ignored.
func (s *MessageStore) ApplyStatus(chatID, messageID string, st store.DeliveryStatus) bool {
	chatID = wa.NormalizeID(chatID)
	s.mu.Lock()
	changed := AdvanceStatus(s.messages[chatID], messageID, st)
	s.mu.Unlock()
	if changed {
		s.cfg.Bus.Emit(bus.KindMessageStatus, StatusUpdate{ChatID: chatID, MessageID: messageID, Status: st})
	}
	return changed
}

// MarkAsRead clears the unread count at once and then tells the gateway.
func (s *MessageStore) MarkAsRead(ctx context.Context, chatID string) *Result {
	chatID = wa.NormalizeID(chatID)
	s.mu.Lock()
	c, ok := s.chats[chatID]
	prev := 0
	if ok {
		prev = c.UnreadCount
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	s.cfg.Cache.Invalidate("chats:")
	s.cfg.Cache.Invalidate("groups:")

	res := &Result{OK: true}
	if s.cfg.Seen == nil {
		return res
	}
	if err := s.cfg.Seen.MarkSeen(ctx, chatID); err != nil {
		s.logger.Warn("mark chat seen", zap.String("chat", chatID), zap.Error(err))
		res.OK = false
		res.Err = err
		res.revert = func() {
			s.mu.Lock()
			if c, ok := s.chats[chatID]; ok {
				c.UnreadCount = prev
			}
			s.mu.Unlock()
		}
	}
	return res
}

// Send shows an outgoing message as pending right away, then runs the send
// choreography. On success the pending entry takes the server id; on failure
// it stays pending until the caller reverts. Without a server id the entry
// keeps its client id until a history or push carries the server copy.
func (s *MessageStore) Send(ctx context.Context, chatID, text string) *Result {
	chatID = wa.NormalizeID(chatID)
	clientID := uuid.NewString()
	pending := store.Message{
		ID:        clientID,
		ChatID:    chatID,
		FromMe:    true,
		Body:      text,
		Type:      "text",
		Timestamp: time.Now().UnixMilli(),
		Status:    store.StatusPending,
	}

	s.mu.Lock()
	merged, _ := Merge(s.messages[chatID], []store.Message{pending})
	s.messages[chatID] = merged
	if c, ok := s.chats[chatID]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()

	if s.cfg.Sender == nil {
		return s.failedSend(chatID, clientID, errors.New("no sender"))
	}
	serverID, err := s.cfg.Sender.Send(ctx, clientID, chatID, text)
	s.cfg.Cache.Invalidate(historyKey(chatID))
	if err != nil {
		s.logger.Error("send message", zap.String("chat", chatID), zap.String("client_msg_id", clientID), zap.Error(err))
		return s.failedSend(chatID, clientID, err)
	}

	s.mu.Lock()
	seq := s.removeLocked(chatID, clientID)
	sent := pending
	if serverID != "" {
		sent.ID = serverID
	} else {
		if s.unconfirmed[chatID] == nil {
			s.unconfirmed[chatID] = make(map[string]bool)
		}
		s.unconfirmed[chatID][clientID] = true
	}
	sent.Status = store.StatusSent
	merged, added := Merge(seq, []store.Message{sent})
	s.messages[chatID] = merged
	if len(added) > 0 {
		s.touchChatLocked(chatID, added)
	}
	s.mu.Unlock()

	s.cfg.Bus.Emit(bus.KindMessageSendAck, sent)
	s.cfg.Bus.Emit(bus.KindMessageDelta, Delta{
		ChatID:   chatID,
		Messages: []store.Message{sent},
		Source:   SourceSend,
	})
	return &Result{OK: true}
}

// SendMessage runs Send and reports only whether it succeeded. A failed send
// leaves nothing behind in the chat.
func (s *MessageStore) SendMessage(ctx context.Context, chatID, text string) bool {
	res := s.Send(ctx, chatID, text)
	if !res.OK {
		res.Revert()
	}
	return res.OK
}

func (s *MessageStore) failedSend(chatID, clientID string, err error) *Result {
	s.cfg.Bus.Emit(bus.KindMessageSendFail, SendFailure{ChatID: chatID, ClientID: clientID, Err: err})
	return &Result{
		Err: err,
		revert: func() {
			s.mu.Lock()
			s.messages[chatID] = s.removeLocked(chatID, clientID)
			s.mu.Unlock()
		},
	}
}

// SendFailure is published on message.send_failed.
type SendFailure struct {
	ChatID   string
	ClientID string
	Err      error
}

func (s *MessageStore) removeLocked(chatID, id string) []store.Message {
	return removeID(s.messages[chatID], id)
}

func removeID(msgs []store.Message, id string) []store.Message {
	return slices.DeleteFunc(slices.Clone(msgs), func(m store.Message) bool {
		return m.ID == id
	})
}

func inbound(msgs []store.Message) bool {
	return slices.ContainsFunc(msgs, func(m store.Message) bool { return !m.FromMe })
}
