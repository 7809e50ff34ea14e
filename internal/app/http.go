package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"taskline/api/internal/auth"
	"taskline/api/internal/realtime"
	"taskline/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *realtime.Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

var (
	validPriorities = map[string]bool{"low": true, "medium": true, "high": true}
	colorPattern    = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// The websocket endpoint authenticates via bearer header or a token query
	// parameter; browser websocket clients cannot set request headers.
	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		token := bearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		realtime.ServeWS(s.hub, w, r, session.UserID)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/me" {
		user, err := s.service.Me(r.Context(), session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, user)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "todos":
			s.handleTodos(w, r, session, parts[2:])
			return
		case "categories":
			s.handleCategories(w, r, session, parts[2:])
			return
		case "tags":
			s.handleTags(w, r, session, parts[2:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// =============================================================================
// Auth handlers
// =============================================================================

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
		return
	}
	session, err := s.service.Register(r.Context(), body.Name, body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func sessionResponse(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"expiresAt":    session.ExpiresAt,
	}
}

// =============================================================================
// Todo handlers
// =============================================================================

func (s *HTTPServer) handleTodos(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		filter := store.TodoFilter{
			CategoryID: strings.TrimSpace(r.URL.Query().Get("category_id")),
			TagID:      strings.TrimSpace(r.URL.Query().Get("tag_id")),
			Priority:   strings.TrimSpace(r.URL.Query().Get("priority")),
			Search:     strings.TrimSpace(r.URL.Query().Get("search")),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("completed")); raw != "" {
			completed := raw == "true"
			filter.Completed = &completed
		}
		items, err := s.service.ListTodos(r.Context(), session.UserID, filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, items)

	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateTodo(w, r, session)

	case len(rest) == 1 && rest[0] == "reorder" && r.Method == http.MethodPatch:
		var body struct {
			Items []store.OrderPair `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReorderTodos(r.Context(), session.UserID, body.Items); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && r.Method == http.MethodGet:
		item, err := s.service.GetTodo(r.Context(), session.UserID, rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case len(rest) == 1 && r.Method == http.MethodPatch:
		s.handleUpdateTodo(w, r, session, rest[0])

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteTodo(r.Context(), session.UserID, rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateTodo(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title       string     `json:"title"`
		Description *string    `json:"description"`
		CategoryID  *string    `json:"category_id"`
		Priority    *string    `json:"priority"`
		DueAt       *time.Time `json:"due_at"`
		TagIDs      []string   `json:"tag_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
		return
	}
	if body.Priority != nil && !validPriorities[*body.Priority] {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "priority must be low, medium or high", nil)
		return
	}
	item, err := s.service.CreateTodo(r.Context(), session.UserID, CreateTodoInput{
		Title:       body.Title,
		Description: body.Description,
		CategoryID:  body.CategoryID,
		Priority:    body.Priority,
		DueAt:       body.DueAt,
		TagIDs:      body.TagIDs,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// handleUpdateTodo decodes the patch body field by field so that an absent
// key and an explicit null are distinguishable: null clears the column,
// absence leaves it untouched.
func (s *HTTPServer) handleUpdateTodo(w http.ResponseWriter, r *http.Request, session Session, todoID string) {
	var raw map[string]json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	patch, err := buildTodoPatch(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	item, err := s.service.UpdateTodo(r.Context(), session.UserID, todoID, patch)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func buildTodoPatch(raw map[string]json.RawMessage) (store.TodoPatch, error) {
	var patch store.TodoPatch

	if value, ok := raw["title"]; ok {
		var title string
		if err := json.Unmarshal(value, &title); err != nil {
			return patch, fmt.Errorf("title must be a string")
		}
		title = strings.TrimSpace(title)
		if title == "" {
			return patch, fmt.Errorf("title cannot be empty")
		}
		patch.Title = &title
	}
	if value, ok := raw["description"]; ok {
		if isJSONNull(value) {
			patch.ClearDescription = true
		} else {
			var description string
			if err := json.Unmarshal(value, &description); err != nil {
				return patch, fmt.Errorf("description must be a string")
			}
			patch.Description = &description
		}
	}
	if value, ok := raw["category_id"]; ok {
		if isJSONNull(value) {
			patch.ClearCategory = true
		} else {
			var categoryID string
			if err := json.Unmarshal(value, &categoryID); err != nil {
				return patch, fmt.Errorf("category_id must be a string")
			}
			patch.CategoryID = &categoryID
		}
	}
	if value, ok := raw["priority"]; ok {
		if isJSONNull(value) {
			patch.ClearPriority = true
		} else {
			var priority string
			if err := json.Unmarshal(value, &priority); err != nil {
				return patch, fmt.Errorf("priority must be a string")
			}
			if !validPriorities[priority] {
				return patch, fmt.Errorf("priority must be low, medium or high")
			}
			patch.Priority = &priority
		}
	}
	if value, ok := raw["due_at"]; ok {
		if isJSONNull(value) {
			patch.ClearDueAt = true
		} else {
			var dueAt time.Time
			if err := json.Unmarshal(value, &dueAt); err != nil {
				return patch, fmt.Errorf("due_at must be an RFC 3339 timestamp")
			}
			patch.DueAt = &dueAt
		}
	}
	if value, ok := raw["completed"]; ok {
		var completed bool
		if err := json.Unmarshal(value, &completed); err != nil {
			return patch, fmt.Errorf("completed must be a boolean")
		}
		patch.Completed = &completed
	}
	if value, ok := raw["tag_ids"]; ok {
		var tagIDs []string
		if err := json.Unmarshal(value, &tagIDs); err != nil {
			return patch, fmt.Errorf("tag_ids must be an array of strings")
		}
		patch.TagIDs = tagIDs
		patch.ReplaceTags = true
	}

	return patch, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// =============================================================================
// Category handlers
// =============================================================================

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListCategories(r.Context(), session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, items)

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.Name = strings.TrimSpace(body.Name)
		if body.Name == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
			return
		}
		if body.Color == "" {
			body.Color = "#6C63FF"
		}
		if !colorPattern.MatchString(body.Color) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "color must be a hex value like #AABBCC", nil)
			return
		}
		item, err := s.service.CreateCategory(r.Context(), session.UserID, body.Name, body.Color)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, item)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteCategory(r.Context(), session.UserID, rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// =============================================================================
// Tag handlers
// =============================================================================

func (s *HTTPServer) handleTags(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListTags(r.Context(), session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, items)

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
			return
		}
		item, err := s.service.CreateTag(r.Context(), session.UserID, body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, item)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteTag(r.Context(), session.UserID, rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// =============================================================================
// Plumbing
// =============================================================================

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()

		// The websocket upgrade needs the raw ResponseWriter; wrapping it
		// would hide the http.Hijacker the upgrader relies on.
		if r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			log.Printf(`{"request_id":"%s","method":"%s","path":"%s","duration_ms":%d}`,
				requestID, r.Method, r.URL.Path, time.Since(started).Milliseconds())
			return
		}

		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
