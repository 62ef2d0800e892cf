package chat

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"messenger/api/internal/store"
)

// memStore is an in-memory chat.Store so the state machine can be driven
// through real save/load cycles without a database.
type memStore struct {
	threads       map[int64]*store.ThreadRow
	messages      []store.MessageRow
	revision      int64
	nextThreadID  int64
	nextMessageID int64
	updateCalls   int
}

func newMemStore() *memStore {
	return &memStore{threads: make(map[int64]*store.ThreadRow)}
}

func (m *memStore) InsertThread(ctx context.Context) (int64, error) {
	m.nextThreadID++
	id := m.nextThreadID
	m.threads[id] = &store.ThreadRow{ID: id, State: store.StateLoading, Locale: "en"}
	return id, nil
}

func (m *memStore) GetThread(ctx context.Context, threadID int64) (store.ThreadRow, error) {
	row, ok := m.threads[threadID]
	if !ok {
		return store.ThreadRow{}, sql.ErrNoRows
	}
	return *row, nil
}

func (m *memStore) UpdateThread(ctx context.Context, threadID int64, fields map[string]any) error {
	row, ok := m.threads[threadID]
	if !ok {
		return sql.ErrNoRows
	}
	m.updateCalls++
	for column, value := range fields {
		applyField(row, column, value)
	}
	return nil
}

func (m *memStore) DeleteThread(ctx context.Context, threadID int64) error {
	delete(m.threads, threadID)
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.ThreadID != threadID {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}

func (m *memStore) NextRevision(ctx context.Context) (int64, error) {
	m.revision++
	return m.revision, nil
}

func (m *memStore) InsertMessage(ctx context.Context, row store.MessageRow) (int64, error) {
	m.nextMessageID++
	row.ID = m.nextMessageID
	m.messages = append(m.messages, row)
	return row.ID, nil
}

func (m *memStore) MessagesAfter(ctx context.Context, threadID, afterID int64) ([]store.MessageRow, error) {
	var items []store.MessageRow
	for _, msg := range m.messages {
		if msg.ThreadID == threadID && msg.ID > afterID {
			items = append(items, msg)
		}
	}
	return items, nil
}

func (m *memStore) CountVisitorMessages(ctx context.Context, threadID int64) (int, error) {
	count := 0
	for _, msg := range m.messages {
		if msg.ThreadID == threadID && msg.Kind == store.KindUser {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CloseStaleThreads(ctx context.Context, revision, now, lifetime int64) (int64, error) {
	var affected int64
	for _, row := range m.threads {
		if row.State == store.StateClosed || row.State == store.StateLeft {
			continue
		}
		userStale := absInt64(now-row.LastPingUser) > lifetime
		agentStale := absInt64(now-row.LastPingAgent) > lifetime
		bothDead := row.LastPingAgent != 0 && row.LastPingUser != 0 && userStale && agentStale
		visitorOnlyDead := row.LastPingAgent == 0 && row.LastPingUser != 0 && userStale
		if bothDead || visitorOnlyDead {
			row.LastRevision = revision
			row.ModifiedAt = now
			row.State = store.StateClosed
			affected++
		}
	}
	return affected, nil
}

func (m *memStore) CountOpenThreadsByRemote(ctx context.Context, remoteAddr string) (int, error) {
	count := 0
	for _, row := range m.threads {
		if row.RemoteAddr == remoteAddr && row.State != store.StateClosed && row.State != store.StateLeft {
			count++
		}
	}
	return count, nil
}

func (m *memStore) messagesOf(threadID int64) []store.MessageRow {
	var items []store.MessageRow
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			items = append(items, msg)
		}
	}
	return items
}

func applyField(row *store.ThreadRow, column string, value any) {
	switch column {
	case "state":
		row.State = value.(int)
	case "last_revision":
		row.LastRevision = value.(int64)
	case "last_token":
		row.LastToken = value.(int64)
	case "next_agent_id":
		row.NextAgentID = value.(int64)
	case "group_id":
		row.GroupID = value.(int64)
	case "shown_message_id":
		row.ShownMessageID = value.(int64)
	case "message_count":
		row.MessageCount = value.(int)
	case "created_at":
		row.CreatedAt = value.(int64)
	case "modified_at":
		row.ModifiedAt = value.(int64)
	case "chat_started_at":
		row.ChatStartedAt = value.(int64)
	case "agent_id":
		row.AgentID = value.(int64)
	case "agent_name":
		row.AgentName = value.(string)
	case "agent_typing":
		row.AgentTyping = value.(bool)
	case "last_ping_agent":
		row.LastPingAgent = value.(int64)
	case "locale":
		row.Locale = value.(string)
	case "user_id":
		row.UserID = value.(string)
	case "user_name":
		row.UserName = value.(string)
	case "user_typing":
		row.UserTyping = value.(bool)
	case "last_ping_user":
		row.LastPingUser = value.(int64)
	case "remote_addr":
		row.RemoteAddr = value.(string)
	case "referer":
		row.Referer = value.(string)
	case "user_agent":
		row.UserAgent = value.(string)
	default:
		panic(fmt.Sprintf("unknown column %q", column))
	}
}

type fakeSettings struct {
	lifetime int64
	maxConns int64
}

func (f *fakeSettings) ThreadLifetime(ctx context.Context) (int64, error) {
	return f.lifetime, nil
}

func (f *fakeSettings) MaxConnectionsFromOneHost(ctx context.Context) (int64, error) {
	return f.maxConns, nil
}

type notification struct {
	threadID int64
	changed  []string
}

type fakeNotifier struct {
	events []notification
}

func (f *fakeNotifier) ThreadChanged(ctx context.Context, thread *Thread, changed []string) {
	f.events = append(f.events, notification{threadID: thread.ID(), changed: changed})
}

type avatarPush struct {
	threadID int64
	token    int64
	imageURL string
}

type fakeAvatars struct {
	pushes []avatarPush
}

func (f *fakeAvatars) PushAvatar(ctx context.Context, threadID, token int64, imageURL string) {
	f.pushes = append(f.pushes, avatarPush{threadID: threadID, token: token, imageURL: imageURL})
}

type testClock struct {
	unix int64
}

func (c *testClock) time() time.Time {
	return time.Unix(c.unix, 0)
}

type fixture struct {
	svc      *Service
	store    *memStore
	settings *fakeSettings
	notifier *fakeNotifier
	avatars  *fakeAvatars
	clock    *testClock
}

func newFixture() *fixture {
	mem := newMemStore()
	settings := &fakeSettings{}
	notifier := &fakeNotifier{}
	avatars := &fakeAvatars{}
	clock := &testClock{unix: 1_000_000}
	svc := NewService(mem, settings, notifier, avatars, nil).WithClock(clock.time)
	return &fixture{svc: svc, store: mem, settings: settings, notifier: notifier, avatars: avatars, clock: clock}
}

// mustThread creates a thread through the public API and fails the test on error.
func (f *fixture) mustThread(t *testing.T, opts CreateOptions) *Thread {
	t.Helper()
	thread, err := f.svc.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

// mustReload fetches a fresh thread instance, the way every new request does.
func (f *fixture) mustReload(t *testing.T, threadID int64) *Thread {
	t.Helper()
	thread, err := f.svc.Load(context.Background(), threadID, nil)
	if err != nil {
		t.Fatalf("load thread %d: %v", threadID, err)
	}
	return thread
}
