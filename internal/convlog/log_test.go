// ABOUTME: Behavioral contract tests run against every Conversation Log backend
// ABOUTME: Covers ordering, monotonic patches, duplicate appends, concurrency and fail-soft reads

package convlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/message"
)

var testConv = message.Conversation{AccountID: "acct-1", ChatKey: "chatkey1", Origin: message.KindCloud, Address: "15550001"}

func backends(t *testing.T) map[string]Log {
	t.Helper()
	fileLog, err := NewFileLog(t.TempDir(), nil)
	require.NoError(t, err)

	pebbleLog, err := OpenPebbleLog(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pebbleLog.Close() })

	return map[string]Log{"file": fileLog, "pebble": pebbleLog}
}

func incoming(id, body string) message.Message {
	return message.Message{
		ID:        id,
		Type:      message.TypeText,
		Content:   message.NewText(body),
		Direction: message.Incoming,
		Origin:    message.KindCloud,
	}
}

func outgoing(id, body string) message.Message {
	m := incoming(id, body)
	m.Direction = message.Outgoing
	m.Status = message.StatusSent
	return m
}

func TestLog_AppendAndTailKeepOrder(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 15; i++ {
				_, _, err := l.Append(ctx, testConv, incoming(fmt.Sprintf("wamid.%d", i), fmt.Sprintf("m%d", i)))
				require.NoError(t, err)
			}

			all, err := l.Tail(ctx, testConv, 0)
			require.NoError(t, err)
			require.Len(t, all, 15)
			for i, m := range all {
				assert.Equal(t, fmt.Sprintf("wamid.%d", i), m.ID)
			}

			last, err := l.Tail(ctx, testConv, DefaultTail)
			require.NoError(t, err)
			require.Len(t, last, DefaultTail)
			assert.Equal(t, "wamid.5", last[0].ID)
			assert.Equal(t, "wamid.14", last[9].ID)
		})
	}
}

func TestLog_TailOfMissingConversationIsEmpty(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			msgs, err := l.Tail(context.Background(), message.Conversation{AccountID: "nobody", ChatKey: "none"}, 10)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestLog_StatusPatchIsMonotonic(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := l.Append(ctx, testConv, outgoing("out-1", "hi"))
			require.NoError(t, err)

			for _, s := range []message.DeliveryStatus{message.StatusRead, message.StatusDelivered, message.StatusSent} {
				ok, err := l.PatchByChannelID(ctx, testConv, "out-1", StatusPatch(s))
				require.NoError(t, err)
				assert.True(t, ok)
			}
			m, err := l.Find(ctx, testConv, "out-1")
			require.NoError(t, err)
			assert.Equal(t, message.StatusRead, m.Status)

			_, err = l.PatchByChannelID(ctx, testConv, "out-1", StatusPatch(message.StatusFailed))
			require.NoError(t, err)
			_, err = l.PatchByChannelID(ctx, testConv, "out-1", StatusPatch(message.StatusDelivered))
			require.NoError(t, err)
			m, err = l.Find(ctx, testConv, "out-1")
			require.NoError(t, err)
			assert.Equal(t, message.StatusFailed, m.Status)
		})
	}
}

func TestLog_PatchMissReportsFalse(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := l.PatchByChannelID(context.Background(), testConv, "ghost", ReactionPatch("🔥"))
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = l.Find(context.Background(), testConv, "ghost")
			assert.ErrorIs(t, err, ErrLookupMiss)
		})
	}
}

func TestLog_ReactionPatchIsUnconditional(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := l.Append(ctx, testConv, outgoing("out-r", "hi"))
			require.NoError(t, err)

			_, err = l.PatchByChannelID(ctx, testConv, "out-r", ReactionPatch("👍"))
			require.NoError(t, err)
			_, err = l.PatchByChannelID(ctx, testConv, "out-r", ReactionPatch("❤️"))
			require.NoError(t, err)

			m, err := l.Find(ctx, testConv, "out-r")
			require.NoError(t, err)
			assert.Equal(t, "❤️", m.Reaction)
		})
	}
}

func TestLog_DuplicateIncomingAppendIsIgnored(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, appended, err := l.Append(ctx, testConv, incoming("dup-1", "first"))
			require.NoError(t, err)
			assert.True(t, appended)
			got, appended, err := l.Append(ctx, testConv, incoming("dup-1", "second delivery"))
			require.NoError(t, err)
			assert.False(t, appended)
			assert.Equal(t, "first", got.Content.Text.Body)

			msgs, err := l.Tail(ctx, testConv, 0)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)
		})
	}
}

func TestLog_ConcurrentAppendsOnSameConversation(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _, err := l.Append(ctx, testConv, incoming(fmt.Sprintf("c-%d", i), "x"))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			msgs, err := l.Tail(ctx, testConv, 0)
			require.NoError(t, err)
			assert.Len(t, msgs, 25)
		})
	}
}

func TestFileLog_MalformedDocumentIsEmptyAndSetAside(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLog(dir, nil)
	require.NoError(t, err)

	p := filepath.Join(dir, testConv.AccountID, testConv.ChatKey+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o644))

	msgs, err := l.Tail(context.Background(), testConv, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, _, err = l.Append(context.Background(), testConv, incoming("after-corruption", "hello"))
	require.NoError(t, err)
	msgs, err = l.Tail(context.Background(), testConv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after-corruption", msgs[0].ID)

	kept, err := filepath.Glob(p + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, kept, 1)
	data, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))

	_, _, err = l.Append(context.Background(), testConv, incoming("second", "again"))
	require.NoError(t, err)
	kept, err = filepath.Glob(p + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("mongo", t.TempDir(), nil)
	assert.Error(t, err)
}
