// ABOUTME: File-backed Conversation Log storing one JSON document per conversation
// ABOUTME: Writes are atomic renames; unreadable documents are treated as empty

package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/inbox-gateway/internal/keylock"
	"github.com/2389/inbox-gateway/internal/message"
)

// FileLog keeps each conversation in <dir>/<account>/<chatKey>.json.
type FileLog struct {
	dir    string
	locks  *keylock.Locker
	logger *slog.Logger
}

// NewFileLog creates a file log rooted at dir, creating the directory if needed.
func NewFileLog(dir string, logger *slog.Logger) (*FileLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &FileLog{
		dir:    dir,
		locks:  keylock.New(),
		logger: logger.With("component", "convlog", "backend", "file"),
	}, nil
}

func (l *FileLog) path(conv message.Conversation) string {
	return filepath.Join(l.dir, filepath.Base(conv.AccountID), filepath.Base(conv.ChatKey)+".json")
}

// load reads a conversation document. Missing and malformed documents both
// yield an empty sequence; the latter is logged for offline repair.
func (l *FileLog) load(conv message.Conversation) []message.Message {
	msgs, _ := l.read(conv)
	return msgs
}

// read is load that also reports whether the document on disk failed to parse.
func (l *FileLog) read(conv message.Conversation) ([]message.Message, bool) {
	p := l.path(conv)
	data, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Error("reading conversation document", "path", p, "error", err)
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	var msgs []message.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		l.logger.Error("malformed conversation document, treating as empty",
			"path", p,
			"account_id", conv.AccountID,
			"chat_key", conv.ChatKey,
			"error", err,
		)
		return nil, true
	}
	return msgs, false
}

// setAside moves a malformed document to <chatKey>.json.corrupt-<unix> so the
// next write does not replace it.
func (l *FileLog) setAside(conv message.Conversation) error {
	p := l.path(conv)
	dst := fmt.Sprintf("%s.corrupt-%d", p, time.Now().Unix())
	if err := os.Rename(p, dst); err != nil {
		return fmt.Errorf("setting aside malformed conversation document: %w", err)
	}
	l.logger.Warn("malformed conversation document set aside", "path", dst, "chat_key", conv.ChatKey)
	return nil
}

func (l *FileLog) save(conv message.Conversation, msgs []message.Message) error {
	p := l.path(conv)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating conversation directory: %w", err)
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".conv-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing conversation document: %w", err)
	}
	return nil
}

// Append implements Log.
func (l *FileLog) Append(_ context.Context, conv message.Conversation, msg message.Message) (message.Message, bool, error) {
	unlock := l.locks.Lock(conv.LockKey())
	defer unlock()

	msgs, malformed := l.read(conv)
	if malformed {
		if err := l.setAside(conv); err != nil {
			return message.Message{}, false, err
		}
	}
	if msg.Direction == message.Incoming {
		if i := lastIndexOf(msgs, msg.ID); i >= 0 {
			l.logger.Debug("duplicate incoming message ignored", "chat_key", conv.ChatKey, "channel_msg_id", msg.ID)
			return msgs[i], false, nil
		}
	}
	msgs = append(msgs, msg)
	if err := l.save(conv, msgs); err != nil {
		return message.Message{}, false, err
	}
	return msg, true, nil
}

// PatchByChannelID implements Log.
func (l *FileLog) PatchByChannelID(_ context.Context, conv message.Conversation, channelID string, p Patch) (bool, error) {
	unlock := l.locks.Lock(conv.LockKey())
	defer unlock()

	msgs := l.load(conv)
	i := lastIndexOf(msgs, channelID)
	if i < 0 {
		l.logger.Info("patch target not found", "chat_key", conv.ChatKey, "channel_msg_id", channelID)
		return false, nil
	}
	if !p.Apply(&msgs[i]) {
		return true, nil
	}
	if err := l.save(conv, msgs); err != nil {
		return true, err
	}
	return true, nil
}

// Tail implements Log.
func (l *FileLog) Tail(_ context.Context, conv message.Conversation, n int) ([]message.Message, error) {
	unlock := l.locks.Lock(conv.LockKey())
	defer unlock()
	return tailOf(l.load(conv), n), nil
}

// Find implements Log.
func (l *FileLog) Find(_ context.Context, conv message.Conversation, channelID string) (*message.Message, error) {
	unlock := l.locks.Lock(conv.LockKey())
	defer unlock()

	msgs := l.load(conv)
	i := lastIndexOf(msgs, channelID)
	if i < 0 {
		return nil, ErrLookupMiss
	}
	m := msgs[i]
	return &m, nil
}

// Close implements Log.
func (l *FileLog) Close() error { return nil }
