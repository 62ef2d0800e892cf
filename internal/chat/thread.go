package chat

import (
	"context"
	"sort"

	"messenger/api/internal/store"
)

// State of a thread. The codes are persisted, so they never change meaning.
type State int

const (
	// StateQueue: visitor is in the queue waiting to be picked up.
	StateQueue State = store.StateQueue
	// StateWaiting: visitor lost their operator and waits for a new one.
	StateWaiting State = store.StateWaiting
	// StateChatting: conversation in progress.
	StateChatting State = store.StateChatting
	// StateClosed: thread closed. Terminal.
	StateClosed State = store.StateClosed
	// StateLoading: thread just created, visitor window still loading.
	StateLoading State = store.StateLoading
	// StateLeft: visitor left a message without starting a conversation. Terminal.
	StateLeft State = store.StateLeft
)

func (s State) Terminal() bool {
	return s == StateClosed || s == StateLeft
}

func (s State) String() string {
	switch s {
	case StateQueue:
		return "queue"
	case StateWaiting:
		return "waiting"
	case StateChatting:
		return "chatting"
	case StateClosed:
		return "closed"
	case StateLoading:
		return "loading"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

// Kind tags a message with its author and audience.
type Kind int

const (
	// KindUser: message sent by the visitor.
	KindUser Kind = store.KindUser
	// KindAgent: message sent by the operator.
	KindAgent Kind = store.KindAgent
	// KindForAgent: system message shown to the operator only.
	KindForAgent Kind = store.KindForAgent
	// KindInfo: system message for both sides.
	KindInfo Kind = store.KindInfo
	// KindConn: connection-status message for the visitor.
	KindConn Kind = store.KindConn
	// KindEvents: audit message about chat events (rename, takeover, close).
	KindEvents Kind = store.KindEvents
)

// ConnectionTimeout is how long a side may stay silent, in seconds, before
// its counterpart's next ping declares it gone.
const ConnectionTimeout = 30

// Message is one entry of a thread's append-only log.
type Message struct {
	ID         int64
	Kind       Kind
	CreatedAt  int64
	SenderName string
	Body       string
	AgentID    int64
}

// Operator identifies the operator side of an operation.
type Operator struct {
	ID     int64
	Name   string
	Avatar string
}

// Thread is one support conversation. All mutations go through the named
// operations below; fields changed since the last save are tracked per
// column so a save writes only what actually moved.
type Thread struct {
	svc   *Service
	row   store.ThreadRow
	dirty map[string]struct{}
}

func (t *Thread) ID() int64            { return t.row.ID }
func (t *Thread) Token() int64         { return t.row.LastToken }
func (t *Thread) State() State         { return State(t.row.State) }
func (t *Thread) LastRevision() int64  { return t.row.LastRevision }
func (t *Thread) NextAgentID() int64   { return t.row.NextAgentID }
func (t *Thread) GroupID() int64       { return t.row.GroupID }
func (t *Thread) MessageCount() int    { return t.row.MessageCount }
func (t *Thread) CreatedAt() int64     { return t.row.CreatedAt }
func (t *Thread) ModifiedAt() int64    { return t.row.ModifiedAt }
func (t *Thread) ChatStartedAt() int64 { return t.row.ChatStartedAt }
func (t *Thread) AgentID() int64       { return t.row.AgentID }
func (t *Thread) AgentName() string    { return t.row.AgentName }
func (t *Thread) AgentTyping() bool    { return t.row.AgentTyping }
func (t *Thread) LastPingAgent() int64 { return t.row.LastPingAgent }
func (t *Thread) Locale() string       { return t.row.Locale }
func (t *Thread) UserID() string       { return t.row.UserID }
func (t *Thread) UserName() string     { return t.row.UserName }
func (t *Thread) UserTyping() bool     { return t.row.UserTyping }
func (t *Thread) LastPingUser() int64  { return t.row.LastPingUser }
func (t *Thread) RemoteAddr() string   { return t.row.RemoteAddr }

func (t *Thread) touch(column string) {
	t.dirty[column] = struct{}{}
}

func (t *Thread) setState(s State) {
	if t.row.State == int(s) {
		return
	}
	t.row.State = int(s)
	t.touch("state")
}

func (t *Thread) setLastRevision(revision int64) {
	if t.row.LastRevision == revision {
		return
	}
	t.row.LastRevision = revision
	t.touch("last_revision")
}

func (t *Thread) setLastToken(token int64) {
	if t.row.LastToken == token {
		return
	}
	t.row.LastToken = token
	t.touch("last_token")
}

func (t *Thread) setNextAgentID(id int64) {
	if t.row.NextAgentID == id {
		return
	}
	t.row.NextAgentID = id
	t.touch("next_agent_id")
}

func (t *Thread) setGroupID(id int64) {
	if t.row.GroupID == id {
		return
	}
	t.row.GroupID = id
	t.touch("group_id")
}

func (t *Thread) setMessageCount(count int) {
	if t.row.MessageCount == count {
		return
	}
	t.row.MessageCount = count
	t.touch("message_count")
}

func (t *Thread) setCreatedAt(at int64) {
	if t.row.CreatedAt == at {
		return
	}
	t.row.CreatedAt = at
	t.touch("created_at")
}

func (t *Thread) setModifiedAt(at int64) {
	if t.row.ModifiedAt == at {
		return
	}
	t.row.ModifiedAt = at
	t.touch("modified_at")
}

func (t *Thread) setChatStartedAt(at int64) {
	if t.row.ChatStartedAt == at {
		return
	}
	t.row.ChatStartedAt = at
	t.touch("chat_started_at")
}

func (t *Thread) setAgentID(id int64) {
	if t.row.AgentID == id {
		return
	}
	t.row.AgentID = id
	t.touch("agent_id")
}

func (t *Thread) setAgentName(name string) {
	if t.row.AgentName == name {
		return
	}
	t.row.AgentName = name
	t.touch("agent_name")
}

func (t *Thread) setAgentTyping(typing bool) {
	if t.row.AgentTyping == typing {
		return
	}
	t.row.AgentTyping = typing
	t.touch("agent_typing")
}

func (t *Thread) setLastPingAgent(at int64) {
	if t.row.LastPingAgent == at {
		return
	}
	t.row.LastPingAgent = at
	t.touch("last_ping_agent")
}

func (t *Thread) setLocale(loc string) {
	if t.row.Locale == loc {
		return
	}
	t.row.Locale = loc
	t.touch("locale")
}

func (t *Thread) setUserID(id string) {
	if t.row.UserID == id {
		return
	}
	t.row.UserID = id
	t.touch("user_id")
}

func (t *Thread) setUserName(name string) {
	if t.row.UserName == name {
		return
	}
	t.row.UserName = name
	t.touch("user_name")
}

func (t *Thread) setUserTyping(typing bool) {
	if t.row.UserTyping == typing {
		return
	}
	t.row.UserTyping = typing
	t.touch("user_typing")
}

func (t *Thread) setLastPingUser(at int64) {
	if t.row.LastPingUser == at {
		return
	}
	t.row.LastPingUser = at
	t.touch("last_ping_user")
}

func (t *Thread) setRemoteAddr(addr string) {
	if t.row.RemoteAddr == addr {
		return
	}
	t.row.RemoteAddr = addr
	t.touch("remote_addr")
}

func (t *Thread) setReferer(referer string) {
	if t.row.Referer == referer {
		return
	}
	t.row.Referer = referer
	t.touch("referer")
}

func (t *Thread) setUserAgent(agent string) {
	if t.row.UserAgent == agent {
		return
	}
	t.row.UserAgent = agent
	t.touch("user_agent")
}

func (t *Thread) fieldValue(column string) any {
	switch column {
	case "state":
		return t.row.State
	case "last_revision":
		return t.row.LastRevision
	case "last_token":
		return t.row.LastToken
	case "next_agent_id":
		return t.row.NextAgentID
	case "group_id":
		return t.row.GroupID
	case "shown_message_id":
		return t.row.ShownMessageID
	case "message_count":
		return t.row.MessageCount
	case "created_at":
		return t.row.CreatedAt
	case "modified_at":
		return t.row.ModifiedAt
	case "chat_started_at":
		return t.row.ChatStartedAt
	case "agent_id":
		return t.row.AgentID
	case "agent_name":
		return t.row.AgentName
	case "agent_typing":
		return t.row.AgentTyping
	case "last_ping_agent":
		return t.row.LastPingAgent
	case "locale":
		return t.row.Locale
	case "user_id":
		return t.row.UserID
	case "user_name":
		return t.row.UserName
	case "user_typing":
		return t.row.UserTyping
	case "last_ping_user":
		return t.row.LastPingUser
	case "remote_addr":
		return t.row.RemoteAddr
	case "referer":
		return t.row.Referer
	case "user_agent":
		return t.row.UserAgent
	}
	return nil
}

// Save persists the fields changed since the last save. With bumpRevision
// the thread first takes the next global revision and a fresh modified
// time, so the change is observable through a single counter comparison;
// without it (heartbeats) the write stays invisible to revision pollers.
// A save with no changed fields does nothing and issues no revision.
func (t *Thread) Save(ctx context.Context, bumpRevision bool) error {
	if len(t.dirty) == 0 {
		return nil
	}

	if bumpRevision {
		revision, err := t.svc.store.NextRevision(ctx)
		if err != nil {
			return err
		}
		t.setLastRevision(revision)
		t.setModifiedAt(t.svc.now().Unix())
	}

	columns := make([]string, 0, len(t.dirty))
	for column := range t.dirty {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	fields := make(map[string]any, len(columns))
	for _, column := range columns {
		fields[column] = t.fieldValue(column)
	}

	if err := t.svc.store.UpdateThread(ctx, t.row.ID, fields); err != nil {
		return err
	}

	if t.svc.notifier != nil {
		t.svc.notifier.ThreadChanged(ctx, t, columns)
	}

	t.dirty = make(map[string]struct{})
	return nil
}

// Delete removes the thread row. Message rows go with it via the store's
// cascade.
func (t *Thread) Delete(ctx context.Context) error {
	return t.svc.store.DeleteThread(ctx, t.row.ID)
}

// Ping records a liveness heartbeat from one side and checks whether the
// counterpart went silent. A counterpart that has not pinged for longer
// than ConnectionTimeout is declared gone: its ping time resets to zero
// and a connection-status message is logged, dated at the moment the drop
// actually happened rather than at detection time.
func (t *Thread) Ping(ctx context.Context, isVisitor, isTyping bool) error {
	now := t.svc.now().Unix()

	var lastPingOtherSide int64
	if isVisitor {
		lastPingOtherSide = t.row.LastPingAgent
		t.setLastPingUser(now)
		t.setUserTyping(isTyping)
	} else {
		lastPingOtherSide = t.row.LastPingUser
		t.setLastPingAgent(now)
		t.setAgentTyping(isTyping)
	}

	// The very first visitor ping moves the thread into the queue.
	if t.State() == StateLoading && isVisitor {
		t.setState(StateQueue)
		return t.Save(ctx, true)
	}

	if lastPingOtherSide > 0 && absInt64(now-lastPingOtherSide) > ConnectionTimeout {
		droppedAt := lastPingOtherSide + ConnectionTimeout
		if isVisitor {
			// The operator is gone.
			t.setLastPingAgent(0)
			if t.State() == StateChatting {
				body := t.svc.message("chat.status.operator.dead", nil, t.Locale())
				if _, err := t.PostMessage(ctx, KindConn, body, "", 0, droppedAt); err != nil {
					return err
				}
				t.setState(StateWaiting)
				t.setNextAgentID(0)
			}
		} else {
			// The visitor is gone. The operator keeps the thread; only a
			// hidden note is logged.
			t.setLastPingUser(0)
			body := t.svc.message("chat.status.user.dead", nil, t.Locale())
			if _, err := t.PostMessage(ctx, KindForAgent, body, "", 0, droppedAt); err != nil {
				return err
			}
		}
	}

	return t.Save(ctx, false)
}

// Take assigns the thread to an operator. Threads that are loading, queued
// or waiting can always be taken; an active chat can only be taken over by
// a different operator (the current one re-requesting is a harmless
// success). Terminal threads cannot be taken.
func (t *Thread) Take(ctx context.Context, op Operator) error {
	takeThread := false
	var body string

	switch t.State() {
	case StateQueue, StateWaiting, StateLoading:
		takeThread = true
		if t.State() == StateWaiting {
			if op.ID != t.AgentID() {
				body = t.svc.message("chat.status.operator.changed", []string{op.Name, t.AgentName()}, t.Locale())
			} else {
				body = t.svc.message("chat.status.operator.returned", []string{op.Name}, t.Locale())
			}
		} else {
			body = t.svc.message("chat.status.operator.joined", []string{op.Name}, t.Locale())
		}
	case StateChatting:
		if op.ID != t.AgentID() {
			takeThread = true
			body = t.svc.message("chat.status.operator.changed", []string{op.Name, t.AgentName()}, t.Locale())
		}
	default:
		return ErrInvalidTransition
	}

	if takeThread {
		t.setState(StateChatting)
		t.setNextAgentID(0)
		t.setAgentID(op.ID)
		t.setAgentName(op.Name)
		if t.row.ChatStartedAt == 0 {
			t.setChatStartedAt(t.svc.now().Unix())
		}
		if err := t.Save(ctx, true); err != nil {
			return err
		}
	}

	if body != "" {
		if _, err := t.PostMessage(ctx, KindEvents, body, "", 0, 0); err != nil {
			return err
		}
		t.svc.pushAvatar(ctx, t, op.Avatar)
	}
	return nil
}

// CheckForReassign completes a pending handoff. It fires only when the
// thread is waiting and the polling operator is either the scheduled
// target or the operator who dropped; anything else is a no-op.
func (t *Thread) CheckForReassign(ctx context.Context, op Operator) error {
	if t.State() != StateWaiting {
		return nil
	}
	if t.NextAgentID() != op.ID && t.AgentID() != op.ID {
		return nil
	}

	var body string
	if t.NextAgentID() == op.ID {
		body = t.svc.message("chat.status.operator.changed", []string{op.Name, t.AgentName()}, t.Locale())
	} else {
		body = t.svc.message("chat.status.operator.returned", []string{op.Name}, t.Locale())
	}

	t.setState(StateChatting)
	t.setNextAgentID(0)
	t.setAgentID(op.ID)
	t.setAgentName(op.Name)
	if err := t.Save(ctx, true); err != nil {
		return err
	}

	if _, err := t.PostMessage(ctx, KindEvents, body, "", 0, 0); err != nil {
		return err
	}
	t.svc.pushAvatar(ctx, t, op.Avatar)
	return nil
}

// Redirect schedules a handoff to another operator: the thread goes back
// to waiting with the target recorded, and the target's next poll picks
// it up through CheckForReassign. Only an active chat can be redirected.
func (t *Thread) Redirect(ctx context.Context, op Operator, nextAgentID int64) error {
	if t.State() != StateChatting {
		return ErrInvalidTransition
	}

	t.setState(StateWaiting)
	t.setNextAgentID(nextAgentID)
	if err := t.Save(ctx, true); err != nil {
		return err
	}

	body := t.svc.message("chat.status.operator.redirect", []string{op.Name}, t.Locale())
	_, err := t.PostMessage(ctx, KindEvents, body, "", 0, 0)
	return err
}

// Close finalizes the visitor-message tally and closes the thread. The
// closing event is logged even when the thread was already terminal.
func (t *Thread) Close(ctx context.Context, byVisitor bool) error {
	count, err := t.svc.store.CountVisitorMessages(ctx, t.row.ID)
	if err != nil {
		return err
	}

	if !t.State().Terminal() {
		t.setState(StateClosed)
		t.setMessageCount(count)
		if err := t.Save(ctx, true); err != nil {
			return err
		}
	}

	var body string
	if byVisitor {
		body = t.svc.message("chat.status.user.left", []string{t.UserName()}, t.Locale())
	} else {
		body = t.svc.message("chat.status.operator.left", []string{t.AgentName()}, t.Locale())
	}
	_, err = t.PostMessage(ctx, KindEvents, body, "", 0, 0)
	return err
}

// RenameUser changes the visitor's display name and logs the change.
// Renaming to the current name does nothing.
func (t *Thread) RenameUser(ctx context.Context, newName string) error {
	if t.UserName() == newName {
		return nil
	}

	oldName := t.UserName()
	t.setUserName(newName)
	if err := t.Save(ctx, true); err != nil {
		return err
	}

	body := t.svc.message("chat.status.user.changedname", []string{oldName, newName}, t.Locale())
	_, err := t.PostMessage(ctx, KindEvents, body, "", 0, 0)
	return err
}

// PostMessage appends an entry to the thread's log and returns its id.
// Entries are immutable once written. agentID zero means the system.
// An `at` of zero means now; a nonzero value exists to backdate the
// connection-status messages Ping produces.
func (t *Thread) PostMessage(ctx context.Context, kind Kind, body, senderName string, agentID, at int64) (int64, error) {
	createdAt := at
	if createdAt == 0 {
		createdAt = t.svc.now().Unix()
	}
	return t.svc.store.InsertMessage(ctx, store.MessageRow{
		ThreadID:   t.row.ID,
		Kind:       int(kind),
		CreatedAt:  createdAt,
		SenderName: senderName,
		Body:       body,
		AgentID:    agentID,
	})
}

// Messages returns the log entries with id greater than cursor, ascending,
// along with the new cursor. Visitor reads exclude operator-only entries,
// but the cursor still advances over them: hidden entries consume ids, so
// each side's successive reads form a gap-free stream.
func (t *Thread) Messages(ctx context.Context, isVisitor bool, cursor int64) ([]Message, int64, error) {
	rows, err := t.svc.store.MessagesAfter(ctx, t.row.ID, cursor)
	if err != nil {
		return nil, cursor, err
	}

	last := cursor
	items := make([]Message, 0, len(rows))
	for _, row := range rows {
		if row.ID > last {
			last = row.ID
		}
		if isVisitor && Kind(row.Kind) == KindForAgent {
			continue
		}
		items = append(items, Message{
			ID:         row.ID,
			Kind:       Kind(row.Kind),
			CreatedAt:  row.CreatedAt,
			SenderName: row.SenderName,
			Body:       row.Body,
			AgentID:    row.AgentID,
		})
	}
	return items, last, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
