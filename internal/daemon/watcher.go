package daemon

import (
	"context"
	"io"
	"sync"

	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/conn"
	"github.com/matheus3301/wppdesk/internal/status"
	"go.uber.org/zap"
)

type initialLoader interface {
	LoadInitialData(ctx context.Context) error
}

type healthSetter interface {
	SetSessionStatus(st status.State)
}

// watcher reacts to session events: it keeps the health service in step with
// the connection, loads the first snapshot page on every (re)connect and
// prints pairing codes.
type watcher struct {
	health healthSetter
	loader initialLoader
	out    io.Writer
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWatcher(h healthSetter, l initialLoader, out io.Writer, logger *zap.Logger) *watcher {
	return &watcher{health: h, loader: l, out: out, logger: logger}
}

func (w *watcher) Start(ctx context.Context, b *bus.Bus) {
	ctx, w.cancel = context.WithCancel(ctx)
	ch, unsub := b.Subscribe("session.", 16)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				w.handle(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for any snapshot load it started.
func (w *watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *watcher) handle(ctx context.Context, evt bus.Event) {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		w.health.SetSessionStatus(p.To)
		if p.To != status.Connected {
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.loader.LoadInitialData(ctx); err != nil {
				w.logger.Warn("initial snapshot failed", zap.Error(err))
			}
		}()
	case conn.QRCode:
		if err := writeQR(w.out, p.Code); err != nil {
			w.logger.Warn("render qr", zap.Error(err))
		}
	case conn.ErrorInfo:
		w.logger.Error("push channel gave up",
			zap.Int("attempts", p.Attempts), zap.Error(p.Err))
	}
}
