// ABOUTME: Pebble-backed Conversation Log with sortable per-conversation sequence keys
// ABOUTME: Maintains a channel-id index so status and reaction patches are point lookups

package convlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/2389/inbox-gateway/internal/keylock"
	"github.com/2389/inbox-gateway/internal/message"
)

// PebbleLog stores messages under
//
//	conv:<account>:<chatKey>:msg:<%020d seq>   message JSON
//	conv:<account>:<chatKey>:cid:<channelID>   key of the latest message with that id
//	conv:<account>:<chatKey>:seq               last sequence number (uint64, big endian)
type PebbleLog struct {
	db     *pebble.DB
	locks  *keylock.Locker
	logger *slog.Logger
}

// OpenPebbleLog opens (or creates) a pebble database at dir.
func OpenPebbleLog(dir string, logger *slog.Logger) (*PebbleLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble log: %w", err)
	}
	l := &PebbleLog{
		db:     db,
		locks:  keylock.New(),
		logger: logger.With("component", "convlog", "backend", "pebble"),
	}
	l.logger.Info("pebble log opened", "dir", dir)
	return l, nil
}

func convPrefix(conv message.Conversation) string {
	return "conv:" + conv.AccountID + ":" + conv.ChatKey + ":"
}

func msgKey(conv message.Conversation, seq uint64) []byte {
	return []byte(fmt.Sprintf("%smsg:%020d", convPrefix(conv), seq))
}

func cidKey(conv message.Conversation, channelID string) []byte {
	return []byte(convPrefix(conv) + "cid:" + channelID)
}

func seqKey(conv message.Conversation) []byte {
	return []byte(convPrefix(conv) + "seq")
}

// get returns a copy of the value at key, or nil when absent.
func (l *PebbleLog) get(key []byte) ([]byte, error) {
	v, closer, err := l.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

// lookup resolves channelID to its message key and decoded message.
func (l *PebbleLog) lookup(conv message.Conversation, channelID string) ([]byte, *message.Message, error) {
	if channelID == "" {
		return nil, nil, nil
	}
	key, err := l.get(cidKey(conv, channelID))
	if err != nil || key == nil {
		return nil, nil, err
	}
	data, err := l.get(key)
	if err != nil || data == nil {
		return nil, nil, err
	}
	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		l.logger.Error("undecodable log entry", "key", string(key), "error", err)
		return nil, nil, nil
	}
	return key, &m, nil
}

// Append implements Log.
func (l *PebbleLog) Append(_ context.Context, conv message.Conversation, msg message.Message) (message.Message, bool, error) {
	unlock := l.locks.Lock(conv.LockKey())
	defer unlock()

	if msg.Direction == message.Incoming {
		_, existing, err := l.lookup(conv, msg.ID)
		if err != nil {
			return message.Message{}, false, fmt.Errorf("checking duplicate: %w", err)
		}
		if existing != nil {
			l.logger.Debug("duplicate incoming message ignored", "chat_key", conv.ChatKey, "channel_msg_id", msg.ID)
			return *existing, false, nil
		}
	}

	raw, err := l.get(seqKey(conv))
	if err != nil {
		return message.Message{}, false, fmt.Errorf("reading sequence: %w", err)
	}
	var seq uint64
	if len(raw) == 8 {
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++

	data, err := json.Marshal(msg)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("encoding message: %w", err)
	}

	key := msgKey(conv, seq)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return message.Message{}, false, err
	}
	if err := b.Set(seqKey(conv), seqBuf[:], nil); err != nil {
		return message.Message{}, false, err
	}
	if msg.ID != "" {
		if err := b.Set(cidKey(conv, msg.ID), key, nil); err != nil {
			return message.Message{}, false, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return message.Message{}, false, fmt.Errorf("committing append: %w", err)
	}
	return msg, true, nil
}

// PatchByChannelID implements Log.
func (l *PebbleLog) PatchByChannelID(_ context.Context, conv message.Conversation, channelID string, p Patch) (bool, error) {
	unlock := l.locks.Lock(conv.LockKey())
	defer unlock()

	key, m, err := l.lookup(conv, channelID)
	if err != nil {
		return false, err
	}
	if m == nil {
		l.logger.Info("patch target not found", "chat_key", conv.ChatKey, "channel_msg_id", channelID)
		return false, nil
	}
	if !p.Apply(m) {
		return true, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return true, fmt.Errorf("encoding message: %w", err)
	}
	if err := l.db.Set(key, data, pebble.Sync); err != nil {
		return true, fmt.Errorf("writing patch: %w", err)
	}
	return true, nil
}

// Tail implements Log.
func (l *PebbleLog) Tail(_ context.Context, conv message.Conversation, n int) ([]message.Message, error) {
	prefix := []byte(convPrefix(conv) + "msg:")
	upper := append(append([]byte(nil), prefix[:len(prefix)-1]...), ':'+1)

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("opening iterator: %w", err)
	}
	defer iter.Close()

	var rev []message.Message
	for iter.Last(); iter.Valid(); iter.Prev() {
		var m message.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			l.logger.Error("skipping undecodable log entry", "key", string(iter.Key()), "error", err)
			continue
		}
		rev = append(rev, m)
		if n > 0 && len(rev) == n {
			break
		}
	}

	out := make([]message.Message, len(rev))
	for i := range rev {
		out[len(rev)-1-i] = rev[i]
	}
	return out, nil
}

// Find implements Log.
func (l *PebbleLog) Find(_ context.Context, conv message.Conversation, channelID string) (*message.Message, error) {
	_, m, err := l.lookup(conv, channelID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrLookupMiss
	}
	return m, nil
}

// Close implements Log.
func (l *PebbleLog) Close() error {
	return l.db.Close()
}
