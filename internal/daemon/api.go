package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/wppdesk/internal/api"
	"github.com/matheus3301/wppdesk/internal/session"
	"go.uber.org/zap"
)

// APIServer serves the session core as JSON over the session's API socket.
type APIServer struct {
	srv        *http.Server
	listener   net.Listener
	socketPath string
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewAPIServer binds the API socket and routes it onto core.
func NewAPIServer(p Params, core *api.Core, logger *zap.Logger) (*APIServer, error) {
	socketPath := p.APISocketPath
	if socketPath == "" {
		socketPath = session.APISocketPath(p.SessionName)
	}
	listener, err := listenUnix(socketPath)
	if err != nil {
		return nil, err
	}

	// Stop cancels this context, which ends open event streams.
	base, cancel := context.WithCancel(context.Background())
	return &APIServer{
		srv: &http.Server{
			Handler:           api.NewHandler(core, logger.Named("api")),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		listener:   listener,
		socketPath: socketPath,
		cancel:     cancel,
		logger:     logger,
	}, nil
}

// Start serves in the background.
func (a *APIServer) Start() {
	a.logger.Info("API server starting", zap.String("socket", a.socketPath))
	go func() {
		if err := a.srv.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down and removes the socket file.
func (a *APIServer) Stop(ctx context.Context) {
	a.logger.Info("API server stopping")
	a.cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Warn("API server shutdown", zap.Error(err))
	}
	_ = os.Remove(a.socketPath)
}
