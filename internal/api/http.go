package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/wppdesk/internal/assign"
	"github.com/matheus3301/wppdesk/internal/store"
	"go.uber.org/zap"
)

const (
	eventsBuffer   = 64
	eventWriteWait = 10 * time.Second
)

// ChatView is the JSON shape of a chat.
type ChatView struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	IsGroup            bool   `json:"isGroup"`
	UnreadCount        int    `json:"unreadCount"`
	Timestamp          int64  `json:"timestamp"`
	Archived           bool   `json:"archived"`
	Pinned             bool   `json:"pinned"`
	LastMessagePreview string `json:"lastMessagePreview,omitempty"`
	PictureURL         string `json:"pictureUrl,omitempty"`
}

// MessageView is the JSON shape of a message.
type MessageView struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	FromMe    bool   `json:"fromMe"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// RequestView is the JSON shape of an assignment request.
type RequestView struct {
	ID            string    `json:"id"`
	ParentID      string    `json:"parentId,omitempty"`
	ChatID        string    `json:"chatId"`
	TargetAgentID string    `json:"agentId"`
	Priority      int       `json:"priority"`
	Deadline      time.Time `json:"deadline"`
	AttemptCount  int       `json:"attemptCount"`
}

// StatusView is returned by GET /v1/status.
type StatusView struct {
	Status       string `json:"status"`
	HasMoreChats bool   `json:"hasMoreChats"`
}

type sendBody struct {
	Text string `json:"text"`
}

type offerBody struct {
	ChatID   string `json:"chatId"`
	AgentID  string `json:"agentId"`
	Priority int    `json:"priority"`
}

type agentBody struct {
	AgentID string `json:"agentId"`
}

type eventView struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler serves Core as JSON over HTTP. Event streams use websockets.
type Handler struct {
	core     *Core
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewHandler routes the /v1 API onto c. It is meant for the session's 0600
// unix socket, so websocket origins are not checked.
func NewHandler(c *Core, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		core:   c,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /v1/status", h.handleStatus)
	h.mux.HandleFunc("POST /v1/reconnect", h.handleReconnect)
	h.mux.HandleFunc("POST /v1/logout", h.handleLogout)
	h.mux.HandleFunc("GET /v1/chats", h.handleChats)
	h.mux.HandleFunc("POST /v1/chats/more", h.handleMoreChats)
	h.mux.HandleFunc("GET /v1/chats/{chat}/messages", h.handleMessages)
	h.mux.HandleFunc("POST /v1/chats/{chat}/messages", h.handleSend)
	h.mux.HandleFunc("POST /v1/chats/{chat}/open", h.handleOpen)
	h.mux.HandleFunc("POST /v1/chats/{chat}/reload", h.handleReload)
	h.mux.HandleFunc("POST /v1/chats/{chat}/seen", h.handleSeen)
	h.mux.HandleFunc("GET /v1/assignments", h.handlePending)
	h.mux.HandleFunc("POST /v1/assignments", h.handleOffer)
	h.mux.HandleFunc("POST /v1/assignments/{id}/accept", h.handleAccept)
	h.mux.HandleFunc("POST /v1/assignments/{id}/reject", h.handleReject)
	h.mux.HandleFunc("GET /v1/events", h.handleEvents)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusView{
		Status:       string(h.core.Status()),
		HasMoreChats: h.core.HasMoreChats(),
	})
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	// The connection outlives the request.
	h.core.Reconnect(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleLogout(w http.ResponseWriter, _ *http.Request) {
	if err := h.core.Logout(); err != nil {
		h.logger.Error("logout", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, chatViews(h.core.Chats()))
}

func (h *Handler) handleMoreChats(w http.ResponseWriter, r *http.Request) {
	n := h.core.LoadMoreChats(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"loaded": n, "hasMore": h.core.HasMoreChats()})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageViews(h.core.Messages(r.PathValue("chat"))))
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageViews(h.core.OpenChat(r.Context(), r.PathValue("chat"))))
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageViews(h.core.RefreshChat(r.Context(), r.PathValue("chat"))))
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if !h.core.SendMessage(r.Context(), r.PathValue("chat"), body.Text) {
		writeError(w, http.StatusBadGateway, errors.New("send failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleSeen(w http.ResponseWriter, r *http.Request) {
	res := h.core.MarkAsRead(r.Context(), r.PathValue("chat"))
	if res != nil && !res.OK {
		res.Revert()
		err := res.Err
		if err == nil {
			err = errors.New("mark as read failed")
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handlePending(w http.ResponseWriter, _ *http.Request) {
	pending := h.core.PendingRequests()
	out := make([]RequestView, len(pending))
	for i, req := range pending {
		out[i] = requestView(req)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleOffer(w http.ResponseWriter, r *http.Request) {
	var body offerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	if body.ChatID == "" || body.AgentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("chatId and agentId are required"))
		return
	}
	req, err := h.core.Offer(body.ChatID, body.AgentID, body.Priority)
	if err != nil {
		writeError(w, assignStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, requestView(req))
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, h.core.Accept)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, h.core.Reject)
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request, fn func(id, agentID string) error) {
	var body agentBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
			return
		}
	}
	if err := fn(r.PathValue("id"), body.AgentID); err != nil {
		writeError(w, assignStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams bus events under the "ns" query namespace (all events
// when empty) until the client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("event stream upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsub := h.core.Subscribe(r.URL.Query().Get("ns"), eventsBuffer)
	defer unsub()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(eventView{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: evt.Payload}); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func assignStatus(err error) int {
	switch {
	case errors.Is(err, assign.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, assign.ErrWrongAgent):
		return http.StatusForbidden
	case errors.Is(err, assign.ErrNotPending),
		errors.Is(err, assign.ErrDeadlinePassed),
		errors.Is(err, assign.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, assign.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func chatViews(chats []store.Chat) []ChatView {
	out := make([]ChatView, len(chats))
	for i, c := range chats {
		out[i] = ChatView{
			ID:                 c.ID,
			Name:               c.Name,
			IsGroup:            c.IsGroup,
			UnreadCount:        c.UnreadCount,
			Timestamp:          c.Timestamp,
			Archived:           c.Archived,
			Pinned:             c.Pinned,
			LastMessagePreview: c.LastMessagePreview,
			PictureURL:         c.PictureURL,
		}
	}
	return out
}

func messageViews(msgs []store.Message) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = MessageView{
			ID:        m.ID,
			ChatID:    m.ChatID,
			FromMe:    m.FromMe,
			Body:      m.Body,
			Type:      m.Type,
			Timestamp: m.Timestamp,
			Status:    string(m.Status),
		}
	}
	return out
}

func requestView(r assign.Request) RequestView {
	return RequestView{
		ID:            r.ID,
		ParentID:      r.ParentID,
		ChatID:        r.ChatID,
		TargetAgentID: r.TargetAgentID,
		Priority:      r.Priority,
		Deadline:      r.Deadline,
		AttemptCount:  r.AttemptCount,
	}
}
