package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"messenger/api/internal/chat"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		next.ServeHTTP(w, r)
	})
}

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
		if err := s.service.HealthPing(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/threads" {
		s.handleStartThread(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/maintenance/close-old-threads" {
		closed, err := s.service.CloseOldThreads(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
		return
	}

	// /api/threads/{id}[/...]
	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "threads" && len(parts) >= 3 {
		threadID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Thread id must be numeric", nil)
			return
		}

		if len(parts) == 3 && r.Method == http.MethodDelete {
			s.handleDeleteThread(w, r, threadID)
			return
		}

		if len(parts) == 4 {
			switch {
			case r.Method == http.MethodGet && parts[3] == "messages":
				s.handleGetMessages(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "messages":
				s.handlePostMessage(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "ping":
				s.handlePing(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "take":
				s.handleTake(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "reassign":
				s.handleReassign(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "redirect":
				s.handleRedirect(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "reopen":
				s.handleReopen(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "close":
				s.handleClose(w, r, threadID)
				return
			case r.Method == http.MethodPost && parts[3] == "rename":
				s.handleRename(w, r, threadID)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleStartThread(w http.ResponseWriter, r *http.Request) {
	var body StartThreadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.RemoteAddr = remoteAddr(r)
	body.Referer = r.Header.Get("Referer")
	body.UserAgent = r.Header.Get("User-Agent")

	thread, err := s.service.StartThread(r.Context(), body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"threadId": thread.ID(),
		"token":    thread.Token(),
		"thread":   threadView(thread),
	})
}

func (s *HTTPServer) handlePing(w http.ResponseWriter, r *http.Request, threadID int64) {
	var body struct {
		Visitor bool   `json:"visitor"`
		Token   *int64 `json:"token"`
		Typing  bool   `json:"typing"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, ok := sideToken(body.Visitor, body.Token)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required for visitor calls", nil)
		return
	}

	thread, err := s.service.Ping(r.Context(), threadID, token, body.Visitor, body.Typing)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(thread)})
}

func (s *HTTPServer) handleGetMessages(w http.ResponseWriter, r *http.Request, threadID int64) {
	query := r.URL.Query()
	visitor := query.Get("visitor") == "true"
	cursor, _ := strconv.ParseInt(query.Get("since"), 10, 64)

	var token *int64
	if raw := query.Get("token"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_TOKEN", "Token must be numeric", nil)
			return
		}
		token = &parsed
	}
	sideTokenValue, ok := sideToken(visitor, token)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required for visitor calls", nil)
		return
	}

	messages, last, err := s.service.Messages(r.Context(), threadID, sideTokenValue, visitor, cursor)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	views := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		views = append(views, map[string]any{
			"id":        message.ID,
			"kind":      int(message.Kind),
			"createdAt": message.CreatedAt,
			"name":      message.SenderName,
			"body":      message.Body,
			"agentId":   message.AgentID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views, "lastId": last})
}

func (s *HTTPServer) handlePostMessage(w http.ResponseWriter, r *http.Request, threadID int64) {
	var body struct {
		Visitor    bool   `json:"visitor"`
		Token      *int64 `json:"token"`
		Body       string `json:"body"`
		Name       string `json:"name"`
		OperatorID int64  `json:"operatorId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, ok := sideToken(body.Visitor, body.Token)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required for visitor calls", nil)
		return
	}

	messageID, err := s.service.PostMessage(r.Context(), threadID, token, body.Visitor, body.Body, body.Name, body.OperatorID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"messageId": messageID})
}

func (s *HTTPServer) handleTake(w http.ResponseWriter, r *http.Request, threadID int64) {
	var body OperatorInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	thread, err := s.service.Take(r.Context(), threadID, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(thread)})
}

func (s *HTTPServer) handleReassign(w http.ResponseWriter, r *http.Request, threadID int64) {
	var body OperatorInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	thread, err := s.service.CheckForReassign(r.Context(), threadID, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(thread)})
}

func (s *HTTPServer) handleRedirect(w http.ResponseWriter, r *http.Request, threadID int64) {
	var body struct {
		OperatorInput
		NextAgentID int64 `json:"nextAgentId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.NextAgentID == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "nextAgentId is required", nil)
		return
	}

	thread, err := s.service.Redirect(r.Context(), threadID, body.OperatorInput, body.NextAgentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(thread)})
}

func (s *HTTPServer) handleReopen(w http.ResponseWriter, r *http.Request, threadID int64) {
	thread, err := s.service.Reopen(r.Context(), threadID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(thread)})
}

func (s *HTTPServer) handleClose(w http.ResponseWriter, r *http.Request, threadID int64) {
	var body struct {
		Visitor bool   `json:"visitor"`
		Token   *int64 `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, ok := sideToken(body.Visitor, body.Token)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required for visitor calls", nil)
		return
	}

	thread, err := s.service.Close(r.Context(), threadID, token, body.Visitor)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(thread)})
}

func (s *HTTPServer) handleRename(w http.ResponseWriter, r *http.Request, threadID int64) {
	var body struct {
		Token *int64 `json:"token"`
		Name  string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Token == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
		return
	}

	thread, err := s.service.RenameUser(r.Context(), threadID, body.Token, body.Name)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(thread)})
}

func (s *HTTPServer) handleDeleteThread(w http.ResponseWriter, r *http.Request, threadID int64) {
	if err := s.service.DeleteThread(r.Context(), threadID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func threadView(t *chat.Thread) map[string]any {
	return map[string]any{
		"id":            t.ID(),
		"state":         int(t.State()),
		"stateName":     t.State().String(),
		"lastRevision":  t.LastRevision(),
		"nextAgentId":   t.NextAgentID(),
		"groupId":       t.GroupID(),
		"messageCount":  t.MessageCount(),
		"createdAt":     t.CreatedAt(),
		"modifiedAt":    t.ModifiedAt(),
		"chatStartedAt": t.ChatStartedAt(),
		"agentId":       t.AgentID(),
		"agentName":     t.AgentName(),
		"agentTyping":   t.AgentTyping(),
		"userName":      t.UserName(),
		"userTyping":    t.UserTyping(),
		"locale":        t.Locale(),
	}
}

// sideToken enforces the visitor token requirement: visitor calls must
// carry a token, operator calls never do.
func sideToken(visitor bool, token *int64) (*int64, bool) {
	if !visitor {
		return nil, true
	}
	if token == nil {
		return nil, false
	}
	return token, true
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
