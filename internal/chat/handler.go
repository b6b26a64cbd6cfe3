package chat

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"go-chat-hub/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once the frontend domain is fixed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub           *Hub
	limiter       *RateLimiter
	repo          *Repository
	maxContentLen int
	log           *logrus.Entry
}

func NewHandler(hub *Hub, limiter *RateLimiter, repo *Repository, maxContentLen int, log *logrus.Entry) *Handler {
	return &Handler{
		hub:           hub,
		limiter:       limiter,
		repo:          repo,
		maxContentLen: maxContentLen,
		log:           log.WithField("component", "chat"),
	}
}

// ServeWs admits one websocket connection. Identity comes from the auth
// middleware; membership is checked here, and a failed check closes the
// socket with a policy-violation close frame rather than silently accepting.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(string)
	username, ok2 := r.Context().Value(middleware.UsernameKey).(string)
	if !ok || !ok2 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	groupID := chi.URLParam(r, "groupID")
	if _, err := uuid.Parse(groupID); err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	member, err := h.repo.IsMember(r.Context(), groupID, userID)
	if err != nil {
		h.log.WithError(err).Error("membership check failed")
		closeWith(conn, websocket.CloseInternalServerErr, "membership check failed")
		return
	}
	if !member {
		closeWith(conn, websocket.ClosePolicyViolation, "not a member of this group")
		return
	}

	c := &Connection{
		Conn:     newWSConn(conn, h.maxContentLen),
		GroupID:  groupID,
		UserID:   userID,
		Username: username,
	}
	NewSession(h.hub, h.limiter, h.repo, c, h.maxContentLen, h.log).Run(r.Context())
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

type createGroupRequest struct {
	Name string `json:"name"`
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	group, err := h.repo.CreateGroup(r.Context(), req.Name, userID)
	if err != nil {
		http.Error(w, "could not create group", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(group)
}

func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	groupID := chi.URLParam(r, "groupID")
	if _, err := uuid.Parse(groupID); err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}

	if err := h.repo.AddMember(r.Context(), groupID, userID); err != nil {
		http.Error(w, "could not join group", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMessages returns the group's history newest-first, paginated with a
// `before` timestamp cursor.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserKey).(string)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	groupID := chi.URLParam(r, "groupID")
	if _, err := uuid.Parse(groupID); err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}

	member, err := h.repo.IsMember(r.Context(), groupID, userID)
	if err != nil {
		http.Error(w, "membership check failed", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a member of this group", http.StatusForbidden)
		return
	}

	before := time.Now().UTC()
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "before must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
	}

	msgs, err := h.repo.ListMessages(r.Context(), groupID, before, limit)
	if err != nil {
		h.log.WithError(err).Error("list messages failed")
		http.Error(w, "could not load history", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(msgs)
}

// SystemBroadcast lets collaborators such as moderation inject a payload
// verbatim to every member of a group, bypassing rate limiting and
// persistence. The response reports this instance's delivered count only.
func (h *Handler) SystemBroadcast(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	if _, err := uuid.Parse(groupID); err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil || !json.Valid(payload) {
		http.Error(w, "body must be a JSON payload", http.StatusBadRequest)
		return
	}

	delivered := h.hub.BroadcastSystem(r.Context(), groupID, payload)
	json.NewEncoder(w).Encode(map[string]int{"delivered": delivered})
}

// Presence exposes this instance's live connection count for a group, plus
// whether cross-instance sync is currently healthy.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	if _, err := uuid.Parse(groupID); err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"group_id":         groupID,
		"connections":      h.hub.LocalConnectionCount(groupID),
		"bridge_available": h.hub.BridgeAvailable(),
	})
}
