package outbox

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/wppdesk/internal/metrics"
	"go.uber.org/zap"
)

// Typing delay bounds: 50ms per character, clamped to [1s, 5s].
const (
	perChar  = 50 * time.Millisecond
	minDelay = time.Second
	maxDelay = 5 * time.Second
)

// Gateway is the subset of the REST client the choreography uses.
type Gateway interface {
	MarkSeen(ctx context.Context, chatID string) error
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	SendText(ctx context.Context, chatID, text string) (serverMsgID string, err error)
}

// Log records each send attempt durably.
type Log interface {
	QueueOutbox(clientMsgID, chatID, body string) error
	MarkOutboxSent(clientMsgID, serverMsgID string) error
	MarkOutboxFailed(clientMsgID, errMsg string) error
}

// Sender delivers outgoing text with the seen/typing choreography that
// makes a reply look typed by a person.
type Sender struct {
	gw      Gateway
	log     Log
	metrics *metrics.Metrics
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSender creates a sender. log may be nil.
func NewSender(gw Gateway, log Log, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		gw:      gw,
		log:     log,
		metrics: m,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// TypingDelay is how long the typing indicator shows before text is sent.
func TypingDelay(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * perChar
	return min(max(d, minDelay), maxDelay)
}

// Send marks the chat seen, shows typing for TypingDelay(text), clears it and
// submits the message. Seen and typing failures are logged and do not stop
// the send.
func (s *Sender) Send(ctx context.Context, clientID, chatID, text string) (string, error) {
	if s.log != nil {
		if err := s.log.QueueOutbox(clientID, chatID, text); err != nil {
			s.logger.Warn("failed to record outbox entry", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}

	if err := s.gw.MarkSeen(ctx, chatID); err != nil {
		s.logger.Warn("mark seen before send", zap.Error(err), zap.String("chat", chatID))
	}
	if err := s.gw.StartTyping(ctx, chatID); err != nil {
		s.logger.Warn("typing start", zap.Error(err), zap.String("chat", chatID))
	}
	if err := s.sleep(ctx, TypingDelay(text)); err != nil {
		_ = s.gw.StopTyping(context.WithoutCancel(ctx), chatID)
		return "", s.fail(clientID, fmt.Errorf("typing delay: %w", err))
	}
	if err := s.gw.StopTyping(ctx, chatID); err != nil {
		s.logger.Warn("typing stop", zap.Error(err), zap.String("chat", chatID))
	}

	serverID, err := s.gw.SendText(ctx, chatID, text)
	if err != nil {
		return "", s.fail(clientID, err)
	}

	if s.log != nil {
		if err := s.log.MarkOutboxSent(clientID, serverID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}
	s.metrics.SendResult("sent")
	s.logger.Info("message sent", zap.String("client_msg_id", clientID), zap.String("server_msg_id", serverID))
	return serverID, nil
}

func (s *Sender) fail(clientID string, err error) error {
	if s.log != nil {
		if merr := s.log.MarkOutboxFailed(clientID, err.Error()); merr != nil {
			s.logger.Error("failed to mark failed", zap.Error(merr), zap.String("client_msg_id", clientID))
		}
	}
	s.metrics.SendResult("failed")
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
