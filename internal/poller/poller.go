package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wppdesk/internal/cache"
	"github.com/matheus3301/wppdesk/internal/metrics"
	"github.com/matheus3301/wppdesk/internal/store"
	"github.com/matheus3301/wppdesk/internal/wa"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pictureConcurrency bounds the per-entry profile picture lookups.
const pictureConcurrency = 8

// Source is the snapshot side of the gateway REST surface.
type Source interface {
	ListChats(ctx context.Context, limit, offset int) ([]wa.WireChat, error)
	ListGroups(ctx context.Context, limit, offset int) ([]wa.WireChat, error)
	ProfilePicture(ctx context.Context, chatID string) (string, error)
}

// Sink receives snapshot pages. The chat count is the pagination cursor.
type Sink interface {
	MergeChats(chats []store.Chat)
	ChatCount() int
}

// Config tunes paging and caching.
type Config struct {
	PageSize        int
	RefreshInterval time.Duration
	ListTTL         time.Duration
	PictureTTL      time.Duration
}

// Poller loads chat and group lists page by page and refreshes the first
// page in the background.
type Poller struct {
	cfg     Config
	src     Source
	sink    Sink
	cache   *cache.Cache
	metrics *metrics.Metrics
	logger  *zap.Logger

	loading atomic.Bool

	mu          sync.Mutex
	hasMore     bool
	initialized bool
	cron        *cron.Cron
}

// New creates a poller.
func New(cfg Config, src Source, sink Sink, c *cache.Cache, m *metrics.Metrics, logger *zap.Logger) *Poller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if c == nil {
		c = cache.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		cfg:     cfg,
		src:     src,
		sink:    sink,
		cache:   c,
		metrics: m,
		logger:  logger,
		hasMore: true,
	}
}

// HasMore reports whether another page may exist. Once false it stays false
// until Reset.
func (p *Poller) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Reset forgets paging state. Used on logout.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.hasMore = true
	p.initialized = false
	p.mu.Unlock()
}

type page struct {
	chats     []wa.WireChat
	groups    []wa.WireChat
	chatsErr  error
	groupsErr error
}

// LoadInitialData fetches the first page of chats and groups in parallel and
// merges whatever succeeded. It fails only when both requests fail.
func (p *Poller) LoadInitialData(ctx context.Context) error {
	pg := p.fetchPage(ctx, 0)
	p.apply(ctx, pg)

	p.mu.Lock()
	if !p.initialized {
		p.initialized = true
		p.hasMore = morePages(pg, p.cfg.PageSize)
	}
	p.mu.Unlock()

	if pg.chatsErr != nil && pg.groupsErr != nil {
		return errors.Join(pg.chatsErr, pg.groupsErr)
	}
	return nil
}

// LoadMoreChats fetches the page after the chats already held. It returns
// the number of entries merged. Calls made while a page is loading, or after
// the last page, do nothing.
func (p *Poller) LoadMoreChats(ctx context.Context) int {
	if !p.HasMore() {
		return 0
	}
	if !p.loading.CompareAndSwap(false, true) {
		return 0
	}
	defer p.loading.Store(false)

	pg := p.fetchPage(ctx, p.sink.ChatCount())
	n := p.apply(ctx, pg)

	if !morePages(pg, p.cfg.PageSize) {
		p.mu.Lock()
		p.hasMore = false
		p.mu.Unlock()
		p.logger.Info("no more chat pages",
			zap.Int("held", p.sink.ChatCount()),
			zap.NamedError("chats_err", pg.chatsErr),
			zap.NamedError("groups_err", pg.groupsErr))
	}
	return n
}

// Refresh drops cached list pages and reloads the first page.
func (p *Poller) Refresh(ctx context.Context) error {
	p.cache.Invalidate("chats:")
	p.cache.Invalidate("groups:")
	return p.LoadInitialData(ctx)
}

// Start schedules the background refresh. Ticks are skipped while no chats
// are held.
func (p *Poller) Start(ctx context.Context) error {
	c := cron.New()
	spec := "@every " + p.cfg.RefreshInterval.String()
	if _, err := c.AddFunc(spec, func() {
		if p.sink.ChatCount() == 0 {
			return
		}
		if err := p.Refresh(ctx); err != nil {
			p.logger.Warn("background refresh failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	p.mu.Lock()
	p.cron = c
	p.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts the background refresh and waits for a running tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func morePages(pg page, size int) bool {
	return pg.chatsErr == nil && pg.groupsErr == nil && len(pg.chats) >= size
}

func (p *Poller) fetchPage(ctx context.Context, offset int) page {
	limit := p.cfg.PageSize
	var pg page
	var g errgroup.Group
	g.Go(func() error {
		pg.chats, pg.chatsErr = cache.Get(ctx, p.cache, fmt.Sprintf("chats:%d:%d", limit, offset), p.cfg.ListTTL,
			func(ctx context.Context) ([]wa.WireChat, error) {
				return p.src.ListChats(ctx, limit, offset)
			})
		return nil
	})
	g.Go(func() error {
		pg.groups, pg.groupsErr = cache.Get(ctx, p.cache, fmt.Sprintf("groups:%d:%d", limit, offset), p.cfg.ListTTL,
			func(ctx context.Context) ([]wa.WireChat, error) {
				return p.src.ListGroups(ctx, limit, offset)
			})
		return nil
	})
	_ = g.Wait()

	if pg.chatsErr != nil {
		p.metrics.SnapshotFailure("chats")
		p.logger.Warn("chat page fetch failed", zap.Int("offset", offset), zap.Error(pg.chatsErr))
	}
	if pg.groupsErr != nil {
		p.metrics.SnapshotFailure("groups")
		p.logger.Warn("group page fetch failed", zap.Int("offset", offset), zap.Error(pg.groupsErr))
	}
	return pg
}

// apply converts both lists, drops groups already present in the chat list,
// looks up pictures and merges the result.
func (p *Poller) apply(ctx context.Context, pg page) int {
	seen := make(map[string]struct{}, len(pg.chats)+len(pg.groups))
	entries := make([]store.Chat, 0, len(pg.chats)+len(pg.groups))
	for _, list := range [][]wa.WireChat{pg.chats, pg.groups} {
		for i := range list {
			c := list[i].ToStoreChat()
			if c.ID == "" {
				continue
			}
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			entries = append(entries, c)
		}
	}
	if len(entries) == 0 {
		return 0
	}

	p.lookupPictures(ctx, entries)
	p.sink.MergeChats(entries)
	return len(entries)
}

func (p *Poller) lookupPictures(ctx context.Context, entries []store.Chat) {
	var g errgroup.Group
	g.SetLimit(pictureConcurrency)
	for i := range entries {
		id := entries[i].ID
		g.Go(func() error {
			url, err := cache.Get(ctx, p.cache, "picture:"+id, p.cfg.PictureTTL,
				func(ctx context.Context) (string, error) {
					return p.src.ProfilePicture(ctx, id)
				})
			if err != nil {
				p.logger.Debug("profile picture lookup failed", zap.String("chat", id), zap.Error(err))
				return nil
			}
			entries[i].PictureURL = url
			return nil
		})
	}
	_ = g.Wait()
}
