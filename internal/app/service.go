package app

import (
	"context"
	"net/http"
	"strings"

	"messenger/api/internal/chat"
)

// Service is the delivery-facing façade: it owns admission control for new
// threads and translates between transport-level requests and the chat
// state machine.
type Service struct {
	chat   *chat.Service
	health healthChecker
}

type healthChecker interface {
	Ping(ctx context.Context) error
}

func New(chatService *chat.Service, health healthChecker) *Service {
	return &Service{chat: chatService, health: health}
}

type StartThreadInput struct {
	Locale     string `json:"locale"`
	GroupID    int64  `json:"groupId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	RemoteAddr string `json:"-"`
	Referer    string `json:"-"`
	UserAgent  string `json:"-"`
}

type OperatorInput struct {
	OperatorID   int64  `json:"operatorId"`
	OperatorName string `json:"operatorName"`
	Avatar       string `json:"avatar"`
}

func (in OperatorInput) operator() chat.Operator {
	return chat.Operator{ID: in.OperatorID, Name: in.OperatorName, Avatar: in.Avatar}
}

// StartThread creates a new thread for a visitor, rejecting the request
// before any row is written when the origin already holds too many open
// threads.
func (s *Service) StartThread(ctx context.Context, input StartThreadInput) (*chat.Thread, error) {
	if strings.TrimSpace(input.UserName) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userName is required", nil)
	}

	limited, err := s.chat.ConnectionLimitReached(ctx, input.RemoteAddr)
	if err != nil {
		return nil, err
	}
	if limited {
		return nil, domainError(http.StatusTooManyRequests, "CONNECTION_LIMIT", "Too many open threads from this address", nil)
	}

	return s.chat.Create(ctx, chat.CreateOptions{
		Locale:     input.Locale,
		GroupID:    input.GroupID,
		UserID:     input.UserID,
		UserName:   input.UserName,
		RemoteAddr: input.RemoteAddr,
		Referer:    input.Referer,
		UserAgent:  input.UserAgent,
	})
}

// loadThread resolves a thread for one side. Visitor calls carry the
// capability token; operator calls come through the authenticated
// operator surface and load by id alone.
func (s *Service) loadThread(ctx context.Context, threadID int64, token *int64) (*chat.Thread, error) {
	return s.chat.Load(ctx, threadID, token)
}

func (s *Service) Ping(ctx context.Context, threadID int64, token *int64, isVisitor, isTyping bool) (*chat.Thread, error) {
	t, err := s.loadThread(ctx, threadID, token)
	if err != nil {
		return nil, err
	}
	if err := t.Ping(ctx, isVisitor, isTyping); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) PostMessage(ctx context.Context, threadID int64, token *int64, isVisitor bool, body, senderName string, operatorID int64) (int64, error) {
	if strings.TrimSpace(body) == "" {
		return 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message body is required", nil)
	}

	t, err := s.loadThread(ctx, threadID, token)
	if err != nil {
		return 0, err
	}

	kind := chat.KindUser
	if !isVisitor {
		kind = chat.KindAgent
	}
	return t.PostMessage(ctx, kind, body, senderName, operatorID, 0)
}

func (s *Service) Messages(ctx context.Context, threadID int64, token *int64, isVisitor bool, cursor int64) ([]chat.Message, int64, error) {
	t, err := s.loadThread(ctx, threadID, token)
	if err != nil {
		return nil, cursor, err
	}
	return t.Messages(ctx, isVisitor, cursor)
}

func (s *Service) Take(ctx context.Context, threadID int64, op OperatorInput) (*chat.Thread, error) {
	t, err := s.loadThread(ctx, threadID, nil)
	if err != nil {
		return nil, err
	}
	if err := t.Take(ctx, op.operator()); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) CheckForReassign(ctx context.Context, threadID int64, op OperatorInput) (*chat.Thread, error) {
	t, err := s.loadThread(ctx, threadID, nil)
	if err != nil {
		return nil, err
	}
	if err := t.CheckForReassign(ctx, op.operator()); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) Redirect(ctx context.Context, threadID int64, op OperatorInput, nextAgentID int64) (*chat.Thread, error) {
	t, err := s.loadThread(ctx, threadID, nil)
	if err != nil {
		return nil, err
	}
	if err := t.Redirect(ctx, op.operator(), nextAgentID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) Reopen(ctx context.Context, threadID int64) (*chat.Thread, error) {
	return s.chat.Reopen(ctx, threadID)
}

func (s *Service) Close(ctx context.Context, threadID int64, token *int64, byVisitor bool) (*chat.Thread, error) {
	t, err := s.loadThread(ctx, threadID, token)
	if err != nil {
		return nil, err
	}
	if err := t.Close(ctx, byVisitor); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) RenameUser(ctx context.Context, threadID int64, token *int64, newName string) (*chat.Thread, error) {
	if strings.TrimSpace(newName) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	t, err := s.loadThread(ctx, threadID, token)
	if err != nil {
		return nil, err
	}
	if err := t.RenameUser(ctx, newName); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) DeleteThread(ctx context.Context, threadID int64) error {
	t, err := s.loadThread(ctx, threadID, nil)
	if err != nil {
		return err
	}
	return t.Delete(ctx)
}

func (s *Service) CloseOldThreads(ctx context.Context) (int64, error) {
	return s.chat.CloseOldThreads(ctx)
}

// HealthPing verifies the backing store is alive
func (s *Service) HealthPing(ctx context.Context) error {
	if s.health == nil {
		return nil
	}
	return s.health.Ping(ctx)
}
