package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gestaozabele/sos/internal/auth"
	"github.com/gestaozabele/sos/internal/chat"
	"github.com/gestaozabele/sos/internal/config"
	httpmiddleware "github.com/gestaozabele/sos/internal/http/middleware"
	"github.com/gestaozabele/sos/internal/participant"
	"github.com/gestaozabele/sos/internal/realtime"
)

// RealtimeStatus expõe o estado da conexão com o gateway.
type RealtimeStatus interface {
	Status() realtime.Status
}

// TokenStatus expõe o ciclo de vida do access token atual.
type TokenStatus interface {
	State(threshold time.Duration) auth.TokenState
	Claims() (*auth.Claims, error)
}

// ParticipantView é a visão em cache de um incidente acompanhado.
type ParticipantView interface {
	Snapshot() participant.Snapshot
	Refresh(ctx context.Context) error
}

// Deps agrupa o que o painel de status consulta.
type Deps struct {
	Realtime       RealtimeStatus
	Tokens         TokenStatus
	TokenThreshold time.Duration
	Participants   map[string]ParticipantView
	Chats          *chat.Manager
	AllowOrigins   []string
	RateLimit      config.RateLimitConfig
	Logger         zerolog.Logger
}

type Handler struct {
	deps    Deps
	limiter *httpmiddleware.RateLimiter
}

// NewRouter devolve roteador configurado.
func NewRouter(deps Deps) http.Handler {
	if deps.Participants == nil {
		deps.Participants = map[string]ParticipantView{}
	}
	if deps.Chats == nil {
		deps.Chats = chat.NewManager()
	}

	h := &Handler{
		deps:    deps,
		limiter: httpmiddleware.NewRateLimiter(deps.RateLimit.RequestsPerSecond, deps.RateLimit.Burst),
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(httpmiddleware.Logging(deps.Logger))
	r.Use(httpmiddleware.Recover(deps.Logger))
	r.Use(httpmiddleware.CORS(deps.AllowOrigins))

	r.Get("/livez", h.Health)

	r.Group(func(status chi.Router) {
		status.Use(httpmiddleware.IPRateLimit(h.limiter))

		status.Get("/status", h.Status)

		status.Get("/incidents/{sosID}/participants", h.Participants)
		status.Post("/incidents/{sosID}/participants/refresh", h.RefreshParticipants)

		status.Get("/chats", h.ListChats)
		status.Post("/chats/{sosID}/open", h.OpenChat)
		status.Post("/chats/{sosID}/close", h.CloseChat)
		status.Post("/chats/{sosID}/minimize", h.chatAction((*chat.Manager).Minimize))
		status.Post("/chats/{sosID}/maximize", h.chatAction((*chat.Manager).Maximize))
		status.Post("/chats/{sosID}/toggle", h.chatAction((*chat.Manager).ToggleMinimize))
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenStatus struct {
	State     auth.TokenState `json:"state"`
	SubjectID string          `json:"subjectId,omitempty"`
	Role      string          `json:"role,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

type statusResponse struct {
	Realtime  *realtime.Status `json:"realtime,omitempty"`
	Token     tokenStatus      `json:"token"`
	Incidents []string         `json:"incidents"`
	Chats     int              `json:"openChats"`
}

// Status resume conexão, token e incidentes acompanhados.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Token:     tokenStatus{State: auth.StateRevoked},
		Incidents: make([]string, 0, len(h.deps.Participants)),
		Chats:     len(h.deps.Chats.List()),
	}
	if h.deps.Realtime != nil {
		st := h.deps.Realtime.Status()
		resp.Realtime = &st
	}
	if h.deps.Tokens != nil {
		resp.Token.State = h.deps.Tokens.State(h.deps.TokenThreshold)
		if claims, err := h.deps.Tokens.Claims(); err == nil {
			exp := claims.ExpiresAt
			resp.Token.SubjectID = claims.SubjectID
			resp.Token.Role = claims.Role
			resp.Token.ExpiresAt = &exp
		}
	}
	for id := range h.deps.Participants {
		resp.Incidents = append(resp.Incidents, id)
	}
	slices.Sort(resp.Incidents)

	WriteJSON(w, http.StatusOK, resp)
}

// Participants devolve a última lista boa; com erro pendente, ela segue junto.
func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	snap := view.Snapshot()
	if snap.Error != "" {
		WriteStale(w, http.StatusOK, snap, snap.Error)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) RefreshParticipants(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := view.Refresh(ctx); err != nil {
		WriteError(w, http.StatusBadGateway, "UPSTREAM", "falha ao atualizar participantes", map[string]any{
			"cause":    err.Error(),
			"snapshot": view.Snapshot(),
		})
		return
	}
	WriteJSON(w, http.StatusOK, view.Snapshot())
}

func (h *Handler) view(w http.ResponseWriter, r *http.Request) (ParticipantView, bool) {
	sosID := strings.TrimSpace(chi.URLParam(r, "sosID"))
	view, ok := h.deps.Participants[sosID]
	if !ok {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "incidente não acompanhado", nil)
		return nil, false
	}
	return view, true
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.deps.Chats.List())
}

type openChatRequest struct {
	CitizenName string `json:"citizenName"`
}

func (h *Handler) OpenChat(w http.ResponseWriter, r *http.Request) {
	sosID := strings.TrimSpace(chi.URLParam(r, "sosID"))
	if sosID == "" {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "sosId obrigatório", nil)
		return
	}

	var req openChatRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "payload inválido", nil)
			return
		}
	}

	WriteJSON(w, http.StatusOK, h.deps.Chats.Open(sosID, strings.TrimSpace(req.CitizenName)))
}

func (h *Handler) CloseChat(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Chats.Close(chi.URLParam(r, "sosID")) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "conversa não encontrada", nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (h *Handler) chatAction(fn func(*chat.Manager, string) (chat.Session, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := fn(h.deps.Chats, chi.URLParam(r, "sosID"))
		if !ok {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "conversa não encontrada", nil)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}
