// Package chat implements the thread state machine of the messenger: one
// persisted conversation per visitor, synchronized between two polling
// sides through a global revision counter, per-side heartbeats and an
// append-only message log.
package chat

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"messenger/api/internal/locale"
	"messenger/api/internal/store"
)

var (
	// ErrNotFound covers both a missing thread and a token mismatch, so a
	// guessed id is indistinguishable from a nonexistent one.
	ErrNotFound = errors.New("thread not found")
	// ErrInvalidTransition is an operation attempted from an incompatible
	// or terminal state.
	ErrInvalidTransition = errors.New("invalid thread state transition")
	// ErrValidation is a thread record that cannot be constructed.
	ErrValidation = errors.New("invalid thread record")
)

// Visitor tokens are drawn from this range; uniqueness is best effort,
// there is no constraint enforcing it.
const (
	tokenMin = 99999
	tokenMax = 99999999
)

// Store is the persistence the state machine runs on.
type Store interface {
	InsertThread(ctx context.Context) (int64, error)
	GetThread(ctx context.Context, threadID int64) (store.ThreadRow, error)
	UpdateThread(ctx context.Context, threadID int64, fields map[string]any) error
	DeleteThread(ctx context.Context, threadID int64) error
	NextRevision(ctx context.Context) (int64, error)
	InsertMessage(ctx context.Context, row store.MessageRow) (int64, error)
	MessagesAfter(ctx context.Context, threadID, afterID int64) ([]store.MessageRow, error)
	CountVisitorMessages(ctx context.Context, threadID int64) (int, error)
	CloseStaleThreads(ctx context.Context, revision, now, lifetime int64) (int64, error)
	CountOpenThreadsByRemote(ctx context.Context, remoteAddr string) (int, error)
}

// Settings supplies the operator-managed runtime values.
type Settings interface {
	ThreadLifetime(ctx context.Context) (int64, error)
	MaxConnectionsFromOneHost(ctx context.Context) (int64, error)
}

// ChangeNotifier receives (thread, changed columns) after every real
// write. Fire and forget: implementations must not fail the save.
type ChangeNotifier interface {
	ThreadChanged(ctx context.Context, thread *Thread, changed []string)
}

// AvatarPusher delivers an operator avatar to the visitor window out of
// band. Best effort: failures are not surfaced.
type AvatarPusher interface {
	PushAvatar(ctx context.Context, threadID, token int64, imageURL string)
}

type Service struct {
	store    Store
	settings Settings
	notifier ChangeNotifier
	avatars  AvatarPusher
	catalog  *locale.Catalog
	now      func() time.Time
}

func NewService(st Store, settings Settings, notifier ChangeNotifier, avatars AvatarPusher, catalog *locale.Catalog) *Service {
	return &Service{
		store:    st,
		settings: settings,
		notifier: notifier,
		avatars:  avatars,
		catalog:  catalog,
		now:      time.Now,
	}
}

// WithClock replaces the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateOptions carries the visitor-side facts known at thread creation.
type CreateOptions struct {
	Locale     string
	GroupID    int64
	UserID     string
	UserName   string
	RemoteAddr string
	Referer    string
	UserAgent  string
}

// Create allocates a new thread, assigns its capability token and creation
// time and persists the visitor origin. The thread starts in the loading
// state; the visitor's first ping moves it into the queue.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*Thread, error) {
	id, err := s.store.InsertThread(ctx)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, fmt.Errorf("%w: store returned no thread id", ErrValidation)
	}

	loc := opts.Locale
	if loc == "" {
		loc = locale.DefaultLocale
	}

	t := &Thread{svc: s, dirty: make(map[string]struct{})}
	t.row.ID = id
	t.setLastToken(newToken())
	t.setCreatedAt(s.now().Unix())
	t.setState(StateLoading)
	t.setLocale(loc)
	t.setGroupID(opts.GroupID)
	t.setUserID(opts.UserID)
	t.setUserName(opts.UserName)
	t.setRemoteAddr(opts.RemoteAddr)
	t.setReferer(opts.Referer)
	t.setUserAgent(opts.UserAgent)

	if err := t.Save(ctx, true); err != nil {
		return nil, err
	}
	return t, nil
}

// Load fetches a thread by id. When expectedToken is non-nil it must match
// the stored token; a mismatch reports ErrNotFound, deliberately hiding
// whether the thread exists. This token check is the only visitor-side
// authorization gate.
func (s *Service) Load(ctx context.Context, threadID int64, expectedToken *int64) (*Thread, error) {
	row, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t, err := s.threadFromRow(row)
	if err != nil {
		return nil, err
	}
	if expectedToken != nil && t.Token() != *expectedToken {
		return nil, ErrNotFound
	}
	return t, nil
}

// Reopen loads a thread by id alone, without the token gate, and logs the
// visitor's return. A thread whose both sides have been silent beyond the
// configured lifetime is abandoned and cannot reopen; neither can a
// terminal one.
func (s *Service) Reopen(ctx context.Context, threadID int64) (*Thread, error) {
	t, err := s.Load(ctx, threadID, nil)
	if err != nil {
		return nil, err
	}

	lifetime, err := s.settings.ThreadLifetime(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	if lifetime != 0 &&
		absInt64(now-t.row.LastPingUser) > lifetime &&
		absInt64(now-t.row.LastPingAgent) > lifetime {
		return nil, fmt.Errorf("%w: thread abandoned", ErrInvalidTransition)
	}

	if t.State().Terminal() {
		return nil, ErrInvalidTransition
	}

	if t.State() == StateWaiting {
		t.setNextAgentID(0)
		if err := t.Save(ctx, true); err != nil {
			return nil, err
		}
	}

	body := s.message("chat.status.user.reopenedthread", nil, t.Locale())
	if _, err := t.PostMessage(ctx, KindEvents, body, "", 0, 0); err != nil {
		return nil, err
	}
	return t, nil
}

// CloseOldThreads closes every thread the idle policy considers dead, in
// one batch write sharing one revision. Lifetime zero disables the sweep.
// Returns the number of threads closed.
func (s *Service) CloseOldThreads(ctx context.Context) (int64, error) {
	lifetime, err := s.settings.ThreadLifetime(ctx)
	if err != nil {
		return 0, err
	}
	if lifetime == 0 {
		return 0, nil
	}

	revision, err := s.store.NextRevision(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.CloseStaleThreads(ctx, revision, s.now().Unix(), lifetime)
}

// ConnectionLimitReached reports whether the origin address already holds
// as many open threads as the configured cap allows. Cap zero disables
// the check.
func (s *Service) ConnectionLimitReached(ctx context.Context, remoteAddr string) (bool, error) {
	limit, err := s.settings.MaxConnectionsFromOneHost(ctx)
	if err != nil {
		return false, err
	}
	if limit == 0 {
		return false, nil
	}

	count, err := s.store.CountOpenThreadsByRemote(ctx, remoteAddr)
	if err != nil {
		return false, err
	}
	return int64(count) >= limit, nil
}

func (s *Service) threadFromRow(row store.ThreadRow) (*Thread, error) {
	if row.ID == 0 {
		return nil, fmt.Errorf("%w: missing thread id", ErrValidation)
	}
	if row.LastToken == 0 {
		return nil, fmt.Errorf("%w: missing thread token", ErrValidation)
	}
	return &Thread{svc: s, row: row, dirty: make(map[string]struct{})}, nil
}

func (s *Service) message(key string, params []string, loc string) string {
	if s.catalog == nil {
		return key
	}
	return s.catalog.Lookup(key, params, loc)
}

func (s *Service) pushAvatar(ctx context.Context, t *Thread, imageURL string) {
	if s.avatars == nil {
		return
	}
	s.avatars.PushAvatar(ctx, t.ID(), t.Token(), imageURL)
}

func newToken() int64 {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	span := int64(tokenMax - tokenMin + 1)
	return tokenMin + int64(binary.BigEndian.Uint64(buf)%uint64(span))
}
