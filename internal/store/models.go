package store

// Thread states. The numeric codes are part of the persisted format.
const (
	StateQueue    = 0
	StateWaiting  = 1
	StateChatting = 2
	StateClosed   = 3
	StateLoading  = 4
	StateLeft     = 5
)

// Message kinds. See chat.Kind* for the semantics of each code.
const (
	KindUser     = 1
	KindAgent    = 2
	KindForAgent = 3
	KindInfo     = 4
	KindConn     = 5
	KindEvents   = 6
)

// ThreadRow is one chat_threads record. Timestamps are unix seconds;
// a last-ping value of zero means that side has never pinged.
type ThreadRow struct {
	ID             int64
	State          int
	LastRevision   int64
	LastToken      int64
	NextAgentID    int64
	GroupID        int64
	ShownMessageID int64
	MessageCount   int
	CreatedAt      int64
	ModifiedAt     int64
	ChatStartedAt  int64
	AgentID        int64
	AgentName      string
	AgentTyping    bool
	LastPingAgent  int64
	Locale         string
	UserID         string
	UserName       string
	UserTyping     bool
	LastPingUser   int64
	RemoteAddr     string
	Referer        string
	UserAgent      string
}

// MessageRow is one chat_messages record. Rows are append-only: they are
// never updated and are removed only by the thread's ON DELETE CASCADE.
type MessageRow struct {
	ID         int64
	ThreadID   int64
	Kind       int
	CreatedAt  int64
	SenderName string
	Body       string
	AgentID    int64
}
