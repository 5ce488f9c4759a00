// ABOUTME: Tests for CLI argument parsing, token issuing and flow import
// ABOUTME: Flow import runs against a temporary SQLite database

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/store"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestParseArgs(t *testing.T) {
	p, err := parseArgs([]string{"--uid", "u1", "--owner=o1", "--agent", "file.json"}, []string{"uid", "owner"}, []string{"agent"})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.values["uid"])
	assert.Equal(t, "o1", p.values["owner"])
	assert.True(t, p.bools["agent"])
	assert.Equal(t, []string{"file.json"}, p.rest)

	_, err = parseArgs([]string{"--uid"}, []string{"uid"}, nil)
	assert.EqualError(t, err, "--uid requires a value")

	_, err = parseArgs([]string{"--nope"}, []string{"uid"}, nil)
	assert.EqualError(t, err, "unknown flag: --nope")

	_, err = parseArgs([]string{"--agent=yes"}, nil, []string{"agent"})
	assert.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte(secret))

	t.Run("owner", func(t *testing.T) {
		p, err := parseArgs([]string{"--uid", "acct-1"}, []string{"uid", "owner", "ttl"}, []string{"agent"})
		require.NoError(t, err)
		tok, err := issueToken(secret, p)
		require.NoError(t, err)
		claims, err := verifier.Verify(tok)
		require.NoError(t, err)
		assert.Equal(t, "acct-1", claims.UID)
		assert.False(t, claims.Agent)
	})

	t.Run("agent", func(t *testing.T) {
		p, err := parseArgs([]string{"--uid", "a1", "--agent", "--owner", "acct-1", "--ttl", "1h"}, []string{"uid", "owner", "ttl"}, []string{"agent"})
		require.NoError(t, err)
		tok, err := issueToken(secret, p)
		require.NoError(t, err)
		claims, err := verifier.Verify(tok)
		require.NoError(t, err)
		assert.True(t, claims.Agent)
		assert.Equal(t, "acct-1", claims.Owner())
	})

	errs := []struct {
		name string
		args []string
	}{
		{"missing uid", nil},
		{"agent without owner", []string{"--uid", "a1", "--agent"}},
		{"owner without agent", []string{"--uid", "a1", "--owner", "o"}},
		{"bad ttl", []string{"--uid", "a1", "--ttl", "soon"}},
		{"negative ttl", []string{"--uid", "a1", "--ttl", "-1h"}},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseArgs(tt.args, []string{"uid", "owner", "ttl"}, []string{"agent"})
			require.NoError(t, err)
			_, err = issueToken(secret, p)
			assert.Error(t, err)
		})
	}
}

func TestImportFlow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer s.Close()

	file := filepath.Join(dir, "flow.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"name":"welcome",
		"nodes":[{"id":"n1","nodeType":"TEXT","data":{"msgContent":{"type":"text","text":{"body":"hi"}}}}],
		"edges":[{"id":"e1","source":"s","target":"n1","sourceHandle":"{{OTHER_MSG}}"}]}`), 0600))

	p, err := parseArgs([]string{"--account", "acct-1", "--flow", "f1", "--activate", file}, []string{"account", "flow", "name"}, []string{"activate"})
	require.NoError(t, err)
	f, err := importFlow(ctx, s, p)
	require.NoError(t, err)
	assert.Equal(t, "welcome", f.Name)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "f1", acct.ActiveFlowID)

	saved, err := s.GetFlow(ctx, "acct-1", "f1")
	require.NoError(t, err)
	assert.JSONEq(t, string(f.Nodes), string(saved.Nodes))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"nodes":{}}`), 0600))
	p, err = parseArgs([]string{"--account", "acct-1", "--flow", "f2", bad}, []string{"account", "flow", "name"}, []string{"activate"})
	require.NoError(t, err)
	_, err = importFlow(ctx, s, p)
	assert.ErrorContains(t, err, "invalid flow graph")

	p, err = parseArgs([]string{file}, []string{"account", "flow", "name"}, []string{"activate"})
	require.NoError(t, err)
	_, err = importFlow(ctx, s, p)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandlerGroups(t *testing.T) {
	h := setupLogger(config.LoggingConfig{Level: "debug"}).Handler()
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	grouped := h.WithGroup("req").WithAttrs([]slog.Attr{slog.String("id", "1")})
	ch, ok := grouped.(*colorHandler)
	require.True(t, ok)
	require.Len(t, ch.attrs, 1)
	assert.Equal(t, "req.id", ch.attrs[0].Key)
}
