package maildir

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/fenilsonani/mailpull/internal/storage"
	"github.com/fenilsonani/mailpull/internal/validation"
)

const (
	subdirNew = "new"
	subdirCur = "cur"
	subdirTmp = "tmp"

	infoSeparator = ":"
)

// Store implements storage.MessageStore using Maildir format
type Store struct {
	basePath string
	hostname string
}

// NewStore creates a Maildir store rooted at an account directory
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create maildir base: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	return &Store{
		basePath: basePath,
		hostname: sanitizeHostname(hostname),
	}, nil
}

// BasePath returns the account root directory
func (s *Store) BasePath() string {
	return s.basePath
}

// folderPath returns the directory of a folder
func (s *Store) folderPath(folder string) string {
	return filepath.Join(s.basePath, folder)
}

// Init creates the default folders
func (s *Store) Init() error {
	for _, folder := range storage.DefaultFolders {
		if err := s.InitFolder(folder); err != nil {
			return err
		}
	}
	return nil
}

// InitFolder ensures new/, cur/ and tmp/ exist for a folder. Safe to call repeatedly.
func (s *Store) InitFolder(folder string) error {
	if err := validation.Folder(folder); err != nil {
		return fmt.Errorf("%w: %q", err, folder)
	}
	if err := maildir.Dir(s.folderPath(folder)).Init(); err != nil {
		return fmt.Errorf("failed to init folder %s: %w", folder, err)
	}
	return nil
}

// Store writes a new message under a freshly generated unique key
func (s *Store) Store(folder string, content []byte, flags storage.Flags) (*storage.Message, error) {
	return s.deliver(folder, content, flags, s.generateKey())
}

// StoreWithID writes a message under a caller supplied key.
// An existing file with the same final name is replaced.
func (s *Store) StoreWithID(folder string, content []byte, flags storage.Flags, id string) (*storage.Message, error) {
	if id == "" || strings.ContainsAny(id, "/"+infoSeparator) {
		return nil, fmt.Errorf("invalid message id %q", id)
	}
	return s.deliver(folder, content, flags, id)
}

// deliver runs the tmp -> fsync -> rename protocol
func (s *Store) deliver(folder string, content []byte, flags storage.Flags, id string) (*storage.Message, error) {
	if err := s.InitFolder(folder); err != nil {
		return nil, err
	}

	path := s.folderPath(folder)
	tmpPath := filepath.Join(path, subdirTmp, id)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create tmp file: %w", err)
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write message %s: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to sync message %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close message %s: %w", id, err)
	}

	destDir := subdirFor(flags)
	destPath := filepath.Join(path, destDir, fileName(id, flags))
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to move message %s: %w", id, err)
	}

	return &storage.Message{
		ID:     id,
		Flags:  flags,
		Path:   destPath,
		Folder: folder,
		IsNew:  destDir == subdirNew,
	}, nil
}

// Get looks a message up by id, searching new/ before cur/.
// It returns nil when the message does not exist.
func (s *Store) Get(folder, id string) (*storage.Message, error) {
	for _, subdir := range []string{subdirNew, subdirCur} {
		entries, err := s.readSubdir(folder, subdir)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			name := entry.Name()
			baseID, info, _ := strings.Cut(name, infoSeparator)
			if baseID != id {
				continue
			}
			return &storage.Message{
				ID:     baseID,
				Flags:  storage.ParseInfo(info),
				Path:   filepath.Join(s.folderPath(folder), subdir, name),
				Folder: folder,
				IsNew:  subdir == subdirNew,
			}, nil
		}
	}

	return nil, nil
}

// List returns every message in new/ and cur/
func (s *Store) List(folder string) ([]*storage.Message, error) {
	var messages []*storage.Message

	for _, subdir := range []string{subdirNew, subdirCur} {
		entries, err := s.readSubdir(folder, subdir)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			name := entry.Name()
			baseID, info, _ := strings.Cut(name, infoSeparator)
			messages = append(messages, &storage.Message{
				ID:     baseID,
				Flags:  storage.ParseInfo(info),
				Path:   filepath.Join(s.folderPath(folder), subdir, name),
				Folder: folder,
				IsNew:  subdir == subdirNew,
			})
		}
	}

	return messages, nil
}

// Count returns the number of unread (new/) and read (cur/) messages
func (s *Store) Count(folder string) (unread, read int, err error) {
	messages, err := s.List(folder)
	if err != nil {
		return 0, 0, err
	}
	for _, msg := range messages {
		if msg.IsNew {
			unread++
		} else {
			read++
		}
	}
	return unread, read, nil
}

// Delete removes a message. It reports whether the message existed.
func (s *Store) Delete(folder, id string) (bool, error) {
	msg, err := s.Get(folder, id)
	if err != nil || msg == nil {
		return false, err
	}
	if err := os.Remove(msg.Path); err != nil {
		return false, fmt.Errorf("failed to remove message %s: %w", id, err)
	}
	return true, nil
}

// UpdateFlags renames a message to match a new flag set, moving it between
// new/ and cur/ when the seen flag changes. It returns nil when the message does not exist.
func (s *Store) UpdateFlags(folder, id string, flags storage.Flags) (*storage.Message, error) {
	msg, err := s.Get(folder, id)
	if err != nil || msg == nil {
		return nil, err
	}

	destDir := subdirFor(flags)
	newPath := filepath.Join(s.folderPath(folder), destDir, fileName(id, flags))

	if msg.Path != newPath {
		if err := os.Rename(msg.Path, newPath); err != nil {
			return nil, fmt.Errorf("failed to rename message %s: %w", id, err)
		}
	}

	return &storage.Message{
		ID:     id,
		Flags:  flags,
		Path:   newPath,
		Folder: folder,
		IsNew:  destDir == subdirNew,
	}, nil
}

// MoveTo copies a message into another folder under the same id and flags,
// then removes the source. A crash in between leaves two copies; the
// destination copy wins. It returns nil when the message does not exist.
func (s *Store) MoveTo(folder, id, destFolder string) (*storage.Message, error) {
	msg, err := s.Get(folder, id)
	if err != nil || msg == nil {
		return nil, err
	}
	if folder == destFolder {
		return msg, nil
	}

	content, err := msg.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}

	moved, err := s.StoreWithID(destFolder, content, msg.Flags, id)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(msg.Path); err != nil {
		return moved, fmt.Errorf("failed to remove source message %s: %w", id, err)
	}

	return moved, nil
}

// ListFolders returns the non-hidden subdirectories holding new/ or cur/
func (s *Store) ListFolders() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read maildir base: %w", err)
	}

	var folders []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		path := s.folderPath(name)
		if isDir(filepath.Join(path, subdirCur)) || isDir(filepath.Join(path, subdirNew)) {
			folders = append(folders, name)
		}
	}

	sort.Strings(folders)
	return folders, nil
}

// readSubdir lists a folder subdirectory, treating a missing directory as empty
func (s *Store) readSubdir(folder, subdir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(filepath.Join(s.folderPath(folder), subdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", folder, subdir, err)
	}
	return entries, nil
}

// generateKey returns <micros>.<pid>.<random>.<host>
func (s *Store) generateKey() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("%d.%d.%s.%s",
		time.Now().UnixMicro(), os.Getpid(), hex.EncodeToString(buf), s.hostname)
}

func subdirFor(flags storage.Flags) string {
	if flags.Seen {
		return subdirCur
	}
	return subdirNew
}

func fileName(id string, flags storage.Flags) string {
	info := flags.Info()
	if info == "" {
		return id
	}
	return id + infoSeparator + info
}

// sanitizeHostname escapes characters that have meaning in maildir names
func sanitizeHostname(h string) string {
	h = strings.ReplaceAll(h, "/", `\057`)
	return strings.ReplaceAll(h, ":", `\072`)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

var _ storage.MessageStore = (*Store)(nil)
