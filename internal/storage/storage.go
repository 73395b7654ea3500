package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-maildir"
)

// Standard folder names
const (
	FolderInbox  = "inbox"
	FolderSent   = "sent"
	FolderDrafts = "drafts"
	FolderTrash  = "trash"
)

// DefaultFolders are created when an account store is initialized
var DefaultFolders = []string{FolderInbox, FolderSent, FolderDrafts, FolderTrash}

// ErrIDPoolExhausted is returned when no free short ids remain in the pool
var ErrIDPoolExhausted = errors.New("id pool exhausted: no free ids available")

// Flags is the set of per-message maildir flags
type Flags struct {
	Draft   bool
	Flagged bool
	Passed  bool
	Replied bool
	Seen    bool
	Trashed bool
}

// flagOrder is the fixed alphabetical emission order of the info suffix.
var flagOrder = []maildir.Flag{
	maildir.FlagDraft,
	maildir.FlagFlagged,
	maildir.FlagPassed,
	maildir.FlagReplied,
	maildir.FlagSeen,
	maildir.FlagTrashed,
}

func (f Flags) has(flag maildir.Flag) bool {
	switch flag {
	case maildir.FlagDraft:
		return f.Draft
	case maildir.FlagFlagged:
		return f.Flagged
	case maildir.FlagPassed:
		return f.Passed
	case maildir.FlagReplied:
		return f.Replied
	case maildir.FlagSeen:
		return f.Seen
	case maildir.FlagTrashed:
		return f.Trashed
	}
	return false
}

// Letters returns the set flag letters in D F P R S T order
func (f Flags) Letters() string {
	var b strings.Builder
	for _, flag := range flagOrder {
		if f.has(flag) {
			b.WriteRune(rune(flag))
		}
	}
	return b.String()
}

// Info returns the maildir info suffix ("2,FS") or "" when no flag is set
func (f Flags) Info() string {
	letters := f.Letters()
	if letters == "" {
		return ""
	}
	return "2," + letters
}

// ParseInfo parses a maildir info string such as "2,RS".
// Unknown letters are ignored and anything not in the "2," form yields no flags.
func ParseInfo(info string) Flags {
	var f Flags
	letters, ok := strings.CutPrefix(info, "2,")
	if !ok {
		return f
	}
	for _, c := range letters {
		switch maildir.Flag(c) {
		case maildir.FlagDraft:
			f.Draft = true
		case maildir.FlagFlagged:
			f.Flagged = true
		case maildir.FlagPassed:
			f.Passed = true
		case maildir.FlagReplied:
			f.Replied = true
		case maildir.FlagSeen:
			f.Seen = true
		case maildir.FlagTrashed:
			f.Trashed = true
		}
	}
	return f
}

// Message is a message persisted as a single maildir file
type Message struct {
	ID     string // base name, also the short id for synced messages
	Flags  Flags
	Path   string
	Folder string
	IsNew  bool // true while the file lives in new/
}

// Open opens the message file for reading
func (m *Message) Open() (io.ReadCloser, error) {
	return os.Open(m.Path)
}

// ReadBytes returns the full message content
func (m *Message) ReadBytes() ([]byte, error) {
	return os.ReadFile(m.Path)
}

// SyncRecord mirrors a stored message's metadata in the sync database
type SyncRecord struct {
	LocalID        string `db:"local_id"`
	RemoteID       string `db:"remote_id"`
	ChangeKey      string `db:"change_key"`
	Folder         string `db:"folder"`
	Subject        string `db:"subject"`
	FromAddr       string `db:"from_addr"`
	ReceivedAt     string `db:"received_at"`
	IsRead         bool   `db:"is_read"`
	IsDraft        bool   `db:"is_draft"`
	HasAttachments bool   `db:"has_attachments"`
	SyncedAt       string `db:"synced_at"`
	LocalHash      string `db:"local_hash"`
}

// FolderState is the per-folder sync bookkeeping row
type FolderState struct {
	Folder    string `db:"folder"`
	LastSync  string `db:"last_sync"`
	SyncToken string `db:"sync_token"`
}

// PoolStats contains id pool counts
type PoolStats struct {
	Free  int
	Used  int
	Total int
}

// PoolEntry is one row of the id pool
type PoolEntry struct {
	ShortID         string `db:"short_id"`
	Status          string `db:"status"`
	AssignedAt      string `db:"assigned_at"`
	MessageRemoteID string `db:"message_remote_id"`
}

// MessageStore handles maildir message storage for one account
type MessageStore interface {
	InitFolder(folder string) error
	Store(folder string, content []byte, flags Flags) (*Message, error)
	StoreWithID(folder string, content []byte, flags Flags, id string) (*Message, error)
	Get(folder, id string) (*Message, error)
	List(folder string) ([]*Message, error)
	Delete(folder, id string) (bool, error)
	UpdateFlags(folder, id string, flags Flags) (*Message, error)
	MoveTo(folder, id, destFolder string) (*Message, error)
	ListFolders() ([]string, error)
}

// SyncIndex handles sync record and folder state persistence
type SyncIndex interface {
	UpsertMessage(ctx context.Context, rec *SyncRecord) error
	GetMessage(ctx context.Context, localID string) (*SyncRecord, error)
	GetMessageByRemoteID(ctx context.Context, remoteID string) (*SyncRecord, error)
	ListMessages(ctx context.Context, folder string, limit int) ([]*SyncRecord, error)
	ListAllMessages(ctx context.Context) ([]*SyncRecord, error)
	DeleteMessage(ctx context.Context, localID string) (bool, error)
	UpsertFolderState(ctx context.Context, state *FolderState) error
	GetFolderState(ctx context.Context, folder string) (*FolderState, error)
}

// Timestamp formats t the way every stored timestamp is written
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
