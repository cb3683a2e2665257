package api

import (
	"context"
	"fmt"

	"github.com/matheus3301/wppdesk/internal/assign"
	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/cache"
	"github.com/matheus3301/wppdesk/internal/status"
	"github.com/matheus3301/wppdesk/internal/store"
	msync "github.com/matheus3301/wppdesk/internal/sync"
	"go.uber.org/zap"
)

// Session is the push connection as seen by collaborators.
type Session interface {
	Status() status.State
	Connect(ctx context.Context)
	Disconnect()
}

// Pager loads further chat pages.
type Pager interface {
	LoadMoreChats(ctx context.Context) int
	HasMore() bool
	Reset()
}

// Purger drops durable session state.
type Purger interface {
	Purge() error
}

// Core is the narrow surface the presentation layers consume: ordered chats
// and messages, session status, delta subscriptions and the assignment
// queue. Gateway and persistence failures are logged here and surface only
// as empty results or false.
type Core struct {
	store   *msync.MessageStore
	session Session
	pager   Pager
	queue   *assign.Queue
	cache   *cache.Cache
	purger  Purger
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewCore wires the facade.
func NewCore(s *msync.MessageStore, sess Session, p Pager, q *assign.Queue, c *cache.Cache, purger Purger, b *bus.Bus, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{
		store:   s,
		session: sess,
		pager:   p,
		queue:   q,
		cache:   c,
		purger:  purger,
		bus:     b,
		logger:  logger,
	}
}

// Chats returns the ordered chat list.
func (c *Core) Chats() []store.Chat {
	return c.store.Chats()
}

// Messages returns the resident messages of a chat without fetching.
func (c *Core) Messages(chatID string) []store.Message {
	return c.store.Messages(chatID)
}

// OpenChat makes chatID the current chat and returns its history.
func (c *Core) OpenChat(ctx context.Context, chatID string) []store.Message {
	return c.store.LoadChatMessages(ctx, chatID)
}

// RefreshChat refetches a chat's history.
func (c *Core) RefreshChat(ctx context.Context, chatID string) []store.Message {
	return c.store.ReloadChatMessages(ctx, chatID)
}

// LoadMoreChats fetches the next chat page, if any.
func (c *Core) LoadMoreChats(ctx context.Context) int {
	return c.pager.LoadMoreChats(ctx)
}

// HasMoreChats reports whether LoadMoreChats may return anything.
func (c *Core) HasMoreChats() bool {
	return c.pager.HasMore()
}

// Status returns the session status.
func (c *Core) Status() status.State {
	return c.session.Status()
}

// Reconnect starts a new connection attempt. It is how a session leaves the
// error state.
func (c *Core) Reconnect(ctx context.Context) {
	c.session.Connect(ctx)
}

// Subscribe streams bus events under namespace, for example "message." or
// "session.".
func (c *Core) Subscribe(namespace string, buf int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, buf)
}

// SendMessage sends text with the typing choreography.
func (c *Core) SendMessage(ctx context.Context, chatID, text string) bool {
	return c.store.SendMessage(ctx, chatID, text)
}

// MarkAsRead clears the unread count of a chat.
func (c *Core) MarkAsRead(ctx context.Context, chatID string) *msync.Result {
	return c.store.MarkAsRead(ctx, chatID)
}

// Offer puts an inbound chat in front of an agent.
func (c *Core) Offer(chatID, agentID string, priority int) (assign.Request, error) {
	return c.queue.Enqueue(assign.Request{ChatID: chatID, TargetAgentID: agentID, Priority: priority})
}

// Accept claims an offered chat for agentID.
func (c *Core) Accept(requestID, agentID string) error {
	return c.queue.Accept(requestID, agentID)
}

// Reject declines an offered chat.
func (c *Core) Reject(requestID, agentID string) error {
	return c.queue.Reject(requestID, agentID)
}

// PendingRequests lists offers awaiting an answer.
func (c *Core) PendingRequests() []assign.Request {
	return c.queue.Pending()
}

// Logout tears the session down: the connection is closed, caches and
// in-memory chats are dropped and durable counters are purged.
func (c *Core) Logout() error {
	c.session.Disconnect()
	c.pager.Reset()
	n := c.cache.Len()
	c.cache.Clear()
	c.store.Reset()
	c.logger.Info("session state cleared", zap.Int("cache_entries", n))
	if c.purger == nil {
		return nil
	}
	if err := c.purger.Purge(); err != nil {
		return fmt.Errorf("purge store: %w", err)
	}
	return nil
}
