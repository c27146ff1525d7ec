package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/wanderlog/tripsync/internal/tripsync"
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
	// WriteTimeout bounds a single event push on the listen stream.
	WriteTimeout time.Duration
}

type Server struct {
	service     *tripsync.Service
	broadcaster *tripsync.Broadcaster
	cfg         ServerConfig
	log         *logrus.Logger
}

func NewServer(service *tripsync.Service, broadcaster *tripsync.Broadcaster, cfg ServerConfig, log *logrus.Logger) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Server{service: service, broadcaster: broadcaster, cfg: cfg, log: log}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	var route string
	switch {
	case len(parts) == 4 && parts[1] == "routers" && parts[3] == "items" && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 4 && parts[1] == "routers" && parts[3] == "items" && r.Method == http.MethodPost:
		route = "create"
	case len(parts) == 5 && parts[1] == "routers" && parts[3] == "items" && r.Method == http.MethodPatch:
		route = "update"
	case len(parts) == 5 && parts[1] == "routers" && parts[3] == "items" && r.Method == http.MethodDelete:
		route = "delete"
	case len(parts) == 4 && parts[1] == "routers" && parts[3] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 4 && parts[1] == "routers" && parts[3] == "listen" && r.Method == http.MethodGet:
		route = "listen"
	case len(parts) == 4 && parts[1] == "aggregates" && parts[3] == "members" && r.Method == http.MethodGet:
		route = "members"
	case len(parts) == 4 && parts[1] == "aggregates" && parts[3] == "members" && r.Method == http.MethodPost:
		route = "add_member"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	claims, authErr := s.authorize(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch route {
	case "list":
		s.handleList(w, r, parts[2], claims.UserID)
	case "create":
		s.handleCreate(w, r, parts[2], claims.UserID)
	case "update":
		s.handleUpdate(w, r, parts[2], parts[4], claims.UserID)
	case "delete":
		s.handleDelete(w, r, parts[2], parts[4], claims.UserID)
	case "events":
		s.handleEvents(w, r, parts[2], claims.UserID)
	case "listen":
		s.handleListen(w, r, parts[2], claims.UserID)
	case "members":
		s.handleMembers(w, r, parts[2], claims.UserID)
	case "add_member":
		s.handleAddMember(w, r, parts[2], claims.UserID)
	}
}

// authorize accepts the bearer header or, for the websocket listen route, an
// access_token query parameter since browser clients cannot set headers on
// an upgrade request.
func (s *Server) authorize(r *http.Request) (tokenClaims, *authError) {
	now := time.Now().UTC()
	if header := r.Header.Get("Authorization"); header != "" {
		return authorizeBearer(header, s.cfg.JWTSecret, now)
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return parseToken(token, s.cfg.JWTSecret, now)
	}
	return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, router, userID string) {
	items, err := s.service.List(r.Context(), router, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, router, userID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	result, err := s.service.Create(r.Context(), router, userID, body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, router, id, userID string) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	result, err := s.service.Update(r.Context(), router, userID, id, body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, router, id, userID string) {
	result, err := s.service.Delete(r.Context(), router, userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, router, userID string) {
	after, ok := s.parseAfter(w, r, router)
	if !ok {
		return
	}
	events, err := s.service.Events(r.Context(), router, userID, after)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request, router, userID string) {
	after, ok := s.parseAfter(w, r, router)
	if !ok {
		return
	}
	// A listen with no cursor starts from now; catch-up is an explicit ask.
	if strings.TrimSpace(r.URL.Query().Get("after")) == "" {
		latest, err := s.service.LatestEventID(r.Context(), router)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		after = latest
	}
	sub, err := s.broadcaster.Subscribe(r.Context(), router, userID, after)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer sub.Cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("router", router).Warn("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, open := <-sub.Events():
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"router": router,
					"user":   userID,
				}).Debug("listen stream write failed")
				return
			}
		}
	}
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, aggregateID, userID string) {
	members, err := s.service.Members(r.Context(), aggregateID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	authorized := false
	for _, member := range members {
		if member == userID {
			authorized = true
			break
		}
	}
	if !authorized {
		writeError(w, http.StatusNotFound, "not_found", "unknown aggregate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, aggregateID, userID string) {
	var body struct {
		UserID string `json:"userId"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := s.service.AddMember(r.Context(), aggregateID, userID, body.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	members, err := s.service.Members(r.Context(), aggregateID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// parseAfter reads the after cursor; "now" resolves to the current log head
// so the stream carries only events appended from this point on.
func (s *Server) parseAfter(w http.ResponseWriter, r *http.Request, router string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return 0, true
	}
	if raw == "now" {
		latest, err := s.service.LatestEventID(r.Context(), router)
		if err != nil {
			writeServiceError(w, err)
			return 0, false
		}
		return latest, true
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid after cursor")
		return 0, false
	}
	return after, true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *tripsync.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", verr.Error())
		return
	}
	switch {
	case errors.Is(err, tripsync.ErrUnknownRouter):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, tripsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, tripsync.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, tripsync.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, tripsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, tripsync.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
