// Package api exposes the story server's HTTP surface: the SSE and
// websocket turn endpoints plus read endpoints for session state, the
// event log, and convergence.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ykarelin/storyloom/internal/assessment"
	"github.com/ykarelin/storyloom/internal/convergence"
	"github.com/ykarelin/storyloom/internal/domain"
	"github.com/ykarelin/storyloom/internal/eventlog"
	"github.com/ykarelin/storyloom/internal/identity"
	"github.com/ykarelin/storyloom/internal/relay"
	"github.com/ykarelin/storyloom/internal/store"
	"github.com/ykarelin/storyloom/internal/turn"
)

const (
	maxBodyBytes  = 64 * 1024
	maxActionLen  = 4096
	wsReadTimeout = 30 * time.Second
)

// Handler handles story HTTP requests.
type Handler struct {
	repo        store.Repository
	runner      *turn.Runner
	events      *eventlog.Log
	tracker     *convergence.Tracker
	rateLimiter *RateLimiter
	isDev       bool
}

// NewHandler creates the story handler.
func NewHandler(repo store.Repository, runner *turn.Runner, events *eventlog.Log, tracker *convergence.Tracker, rateLimiter *RateLimiter, isDev bool) *Handler {
	return &Handler{
		repo:        repo,
		runner:      runner,
		events:      events,
		tracker:     tracker,
		rateLimiter: rateLimiter,
		isDev:       isDev,
	}
}

// Routes returns the story API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/api/story/turn", h.handleTurnSSE)
	r.Get("/ws/story", h.handleTurnWS)
	r.Get("/api/story/session", h.handleGetSession)
	r.Get("/api/story/events", h.handleListEvents)
	r.Get("/api/story/convergence", h.handleGetConvergence)
	return r
}

type turnRequest struct {
	Action string `json:"action"`
}

func (h *Handler) handleTurnSSE(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	if !h.rateLimiter.Allow(playerID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req turnRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateAction(req.Action); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.getOrCreateSession(r.Context(), playerID)
	if err != nil {
		slog.Error("session bootstrap failed", "player_id", playerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	emitter, err := relay.NewSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rly := relay.New(emitter, relay.WithMarkerBuffering(assessment.Delimiter))

	done := h.runner.StartTurn(r.Context(), sess, req.Action, buildPrompt(sess, req.Action), rly)
	select {
	case <-done:
	case <-r.Context().Done():
		// The turn worker runs on a detached context and keeps going;
		// only client delivery stops here.
		slog.Info("client disconnected mid-turn", "session_id", sess.ID)
		<-done
	}
}

func (h *Handler) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	if !h.rateLimiter.Allow(playerID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.isDev,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	readCtx, cancel := context.WithTimeout(r.Context(), wsReadTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		slog.Warn("websocket read failed", "player_id", playerID, "error", err)
		return
	}

	var req turnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid turn request")
		return
	}
	if err := validateAction(req.Action); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, err.Error())
		return
	}

	sess, err := h.getOrCreateSession(r.Context(), playerID)
	if err != nil {
		slog.Error("session bootstrap failed", "player_id", playerID, "error", err)
		conn.Close(websocket.StatusInternalError, "failed to load session")
		return
	}

	emitter := relay.NewWS(conn, 0)
	rly := relay.New(emitter, relay.WithMarkerBuffering(assessment.Delimiter))

	done := h.runner.StartTurn(r.Context(), sess, req.Action, buildPrompt(sess, req.Action), rly)
	select {
	case <-done:
		conn.Close(websocket.StatusNormalClosure, "")
	case <-r.Context().Done():
		slog.Info("websocket client disconnected mid-turn", "session_id", sess.ID)
		<-done
	}
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForRequest(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForRequest(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	events, err := h.events.List(r.Context(), sess.ID, limit)
	if err != nil {
		slog.Error("event listing failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleGetConvergence(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForRequest(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	status, err := h.tracker.Get(r.Context(), sess.ID)
	if err != nil {
		slog.Error("convergence lookup failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load convergence")
		return
	}
	summary, err := h.tracker.Summary(r.Context(), sess.ID)
	if err != nil {
		slog.Error("convergence summary failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load convergence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"phase":   convergence.Phase(status.Progress),
		"summary": summary,
	})
}

// sessionForRequest resolves the request's session without creating
// one. Returns (nil, nil) when the session does not exist yet.
func (h *Handler) sessionForRequest(r *http.Request) (*domain.Session, error) {
	playerID := identity.PlayerIDFromContext(r.Context())
	return h.repo.GetSession(r.Context(), sessionKey(playerID, identity.SessionIDFromContext(r.Context())))
}

// getOrCreateSession loads the player's session, creating a fresh one
// on first contact. A concurrent create loses gracefully: the insert
// fails and the winner's row is re-read.
func (h *Handler) getOrCreateSession(ctx context.Context, playerID string) (*domain.Session, error) {
	id := sessionKey(playerID, identity.SessionIDFromContext(ctx))

	sess, err := h.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess = domain.NewSession(id, playerID)
	if err := h.repo.CreateSession(ctx, sess); err != nil {
		if existing, getErr := h.repo.GetSession(ctx, id); getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	slog.Info("session created", "session_id", id, "player_id", playerID)
	return sess, nil
}

func sessionKey(playerID, sessionID string) string {
	return playerID + ":" + sessionID
}

func validateAction(action string) error {
	if action == "" {
		return errors.New("action cannot be empty")
	}
	if len(action) > maxActionLen {
		return fmt.Errorf("action exceeds %d bytes", maxActionLen)
	}
	return nil
}

// buildPrompt assembles the upstream prompt from the session snapshot
// and the player's action. Prompt content beyond this compact state
// framing is out of scope for the server.
func buildPrompt(sess *domain.Session, action string) string {
	state, err := json.Marshal(map[string]any{
		"character":     sess.Character,
		"world_state":   sess.WorldState,
		"active_quests": sess.ActiveQuests,
		"arc":           sess.ArcName,
		"round":         sess.Rounds + 1,
		"total_rounds":  sess.TotalRounds,
	})
	if err != nil {
		state = []byte("{}")
	}
	return fmt.Sprintf("Story state: %s\n\nPlayer action: %s", state, action)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
