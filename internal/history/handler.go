package history

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	myMiddleware "gigchat/internal/middleware"
)

type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(s *Service, logger *zap.Logger) *Handler {
	return &Handler{service: s, logger: logger}
}

// Routes mounts the history endpoints. Callers wrap them in auth.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/history/unread/{userId}", h.CountUnread)
	r.Get("/history/unread/{userId}/by-sender", h.UnreadBySender)
	r.Get("/history/{userA}/{userB}", h.GetHistory)
	r.Post("/history", h.Append)
	r.Patch("/history/{userId}/{adminId}/seen", h.MarkSeen)
}

// authorize lets the request through when the caller is one of ids. Requests
// without an identity on the context are not gated here.
func authorize(r *http.Request, ids ...string) error {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		return nil
	}
	for _, id := range ids {
		if id == userID {
			return nil
		}
	}
	return ErrForbidden
}

// GetHistory is open to either participant.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userA, userB := chi.URLParam(r, "userA"), chi.URLParam(r, "userB")
	if err := authorize(r, userA, userB); err != nil {
		h.writeError(w, err)
		return
	}
	msgs, err := h.service.History(r.Context(), userA, userB)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) Append(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	// Callers may only write as themselves.
	if err := authorize(r, req.SenderID); err != nil {
		h.writeError(w, err)
		return
	}

	msg, err := h.service.Append(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkSeen is done by the receiver (adminId) for messages sent by userId.
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	from, to := chi.URLParam(r, "userId"), chi.URLParam(r, "adminId")
	if err := authorize(r, to); err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.service.MarkSeen(r.Context(), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SeenResponse{Updated: n})
}

func (h *Handler) CountUnread(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorize(r, userID); err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.service.CountUnread(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadResponse{Count: n})
}

func (h *Handler) UnreadBySender(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorize(r, userID); err != nil {
		h.writeError(w, err)
		return
	}
	counts, err := h.service.UnreadBySender(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		h.logger.Error("history_request_failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
