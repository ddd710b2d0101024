package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/RichardoC/llamachat/internal/controller"
	"github.com/RichardoC/llamachat/internal/llm"
	"github.com/RichardoC/llamachat/internal/models"
	"github.com/RichardoC/llamachat/internal/prompt"
	"github.com/RichardoC/llamachat/internal/store"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

var errBadRequest = errors.New("bad request")

// AuditLog lists recorded completions.
type AuditLog interface {
	RecentCompletions(limit int) ([]models.Completion, error)
}

type Handler struct {
	chat   *controller.Controller
	audit  AuditLog
	logger *zap.Logger
}

// NewHandler serves chat. audit may be nil when auditing is disabled.
func NewHandler(chat *controller.Controller, audit AuditLog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chat:   chat,
		audit:  audit,
		logger: logger,
	}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.GetState)
	mux.HandleFunc("/api/chat/new", h.NewChat)
	mux.HandleFunc("/api/message", h.HandleMessage)
	mux.HandleFunc("/api/message/reply", h.Reply)
	mux.HandleFunc("/api/turns", h.DeleteTurn)
	mux.HandleFunc("/api/turns/edit", h.EditTurn)
	mux.HandleFunc("/api/sessions", h.Sessions)
	mux.HandleFunc("/api/sessions/current", h.UpdateCurrentSession)
	mux.HandleFunc("/api/sessions/load", h.LoadSession)
	mux.HandleFunc("/api/models", h.GetModels)
	mux.HandleFunc("/api/model", h.SelectModel)
	mux.HandleFunc("/api/params", h.UpdateParams)
	mux.HandleFunc("/api/audit", h.GetAudit)
}

// Response is the body of every chat endpoint.
type Response struct {
	Snapshot controller.Snapshot `json:"snapshot"`
	Error    string              `json:"error"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type SaveSessionRequest struct {
	Name string `json:"name"`
}

type ModelRequest struct {
	Model string `json:"model"`
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.respond(w, r, h.chat.Snapshot(), nil, http.StatusInternalServerError)
}

func (h *Handler) NewChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.respond(w, r, h.chat.NewChat(), nil, http.StatusInternalServerError)
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "Invalid request body")
		return
	}

	snap, err := h.chat.Submit(r.Context(), req.Content)
	h.respond(w, r, snap, err, http.StatusBadGateway)
}

func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.chat.Reply(r.Context())
	h.respond(w, r, snap, err, http.StatusBadGateway)
}

// EditTurn opens (POST), commits (PUT) or cancels (DELETE) a turn edit.
func (h *Handler) EditTurn(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		index, ok := h.turnIndex(w, r)
		if !ok {
			return
		}
		snap, err := h.chat.BeginEdit(index)
		h.respond(w, r, snap, err, http.StatusInternalServerError)

	case http.MethodPut:
		index, ok := h.turnIndex(w, r)
		if !ok {
			return
		}
		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.badRequest(w, r, "Invalid request body")
			return
		}
		snap, err := h.chat.CommitEdit(index, req.Content)
		h.respond(w, r, snap, err, http.StatusInternalServerError)

	case http.MethodDelete:
		h.respond(w, r, h.chat.CancelEdit(), nil, http.StatusInternalServerError)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) DeleteTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, ok := h.turnIndex(w, r)
	if !ok {
		return
	}
	snap, err := h.chat.DeleteTurn(index)
	h.respond(w, r, snap, err, http.StatusInternalServerError)
}

// Sessions lists (GET), saves as (POST) or deletes (DELETE) sessions.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string][]string{
			"sessions": h.chat.Snapshot().Sessions,
		}); err != nil {
			h.logger.Error("Failed to encode sessions", zap.Error(err))
		}

	case http.MethodPost:
		var req SaveSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.badRequest(w, r, "Invalid request body")
			return
		}
		snap, err := h.chat.SaveAs(req.Name)
		h.respond(w, r, snap, err, http.StatusInternalServerError)

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			h.badRequest(w, r, "Query parameter 'name' is required")
			return
		}
		snap, err := h.chat.DeleteSession(name)
		h.respond(w, r, snap, err, http.StatusInternalServerError)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) UpdateCurrentSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.chat.UpdateCurrent()
	h.respond(w, r, snap, err, http.StatusInternalServerError)
}

func (h *Handler) LoadSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		h.badRequest(w, r, "Query parameter 'name' is required")
		return
	}
	snap, err := h.chat.Load(name)
	h.respond(w, r, snap, err, http.StatusInternalServerError)
}

func (h *Handler) GetModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.chat.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Models   []models.ModelInfo `json:"models"`
		Selected string             `json:"selected"`
	}{snap.Models, snap.ModelID}); err != nil {
		h.logger.Error("Failed to encode models", zap.Error(err))
	}
}

// SelectModel switches model. max_length is lowered to the new model's
// context length rather than rejected.
func (h *Handler) SelectModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "Invalid request body")
		return
	}
	snap, err := h.chat.SetModel(req.Model)
	h.respond(w, r, snap, err, http.StatusInternalServerError)
}

func (h *Handler) UpdateParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.Params
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "Invalid request body")
		return
	}
	snap, err := h.chat.SetParams(req)
	h.respond(w, r, snap, err, http.StatusInternalServerError)
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.audit == nil {
		http.Error(w, "Audit log is disabled", http.StatusNotFound)
		return
	}

	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.audit.RecentCompletions(limit)
	if err != nil {
		h.logger.Error("Failed to read audit log", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.Completion{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string][]models.Completion{"completions": entries}); err != nil {
		h.logger.Error("Failed to encode audit log", zap.Error(err))
	}
}

func (h *Handler) turnIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		h.badRequest(w, r, "Invalid turn index")
		return 0, false
	}
	return index, true
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	h.respond(w, r, h.chat.Snapshot(), fmt.Errorf("%w: %s", errBadRequest, msg), http.StatusBadRequest)
}

// respond writes the snapshot and, on error, a message for the page to
// show inline. fallback is the status for errors statusFor does not know.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, snap controller.Snapshot, err error, fallback int) {
	status := http.StatusOK
	body := Response{Snapshot: snap}
	if err != nil {
		status = statusFor(err, fallback)
		body.Error = errorMessage(err)
		fields := []zap.Field{
			zap.Error(err),
			zap.Int("status", status),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("Request failed", fields...)
		} else {
			h.logger.Debug("Request rejected", fields...)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, models.ErrIndexOutOfRange),
		errors.Is(err, models.ErrEmptyContent),
		errors.Is(err, models.ErrInvalidParams),
		errors.Is(err, store.ErrEmptyName),
		errors.Is(err, controller.ErrEmptyInput),
		errors.Is(err, controller.ErrNotEditing),
		errors.Is(err, controller.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrNoLoadedSession):
		return http.StatusConflict
	case errors.Is(err, llm.ErrNotConfigured):
		return http.StatusPreconditionFailed
	case errors.Is(err, prompt.ErrContextExhausted),
		errors.Is(err, controller.ErrEmptyReply):
		return http.StatusBadGateway
	default:
		return fallback
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		return "No API key is configured. Set TOGETHER_API_KEY and restart the server."
	case errors.Is(err, controller.ErrNoLoadedSession):
		return "No session is loaded. Use Save As to store this chat first."
	default:
		return err.Error()
	}
}
