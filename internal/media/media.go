// ABOUTME: Local storage for inbound media side-files
// ABOUTME: Files get random names under a per-account directory and are served under a URL prefix

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// DefaultMaxBytes bounds a single stored file.
const DefaultMaxBytes = 100 << 20

// ErrTooLarge is returned when a payload exceeds the size limit.
var ErrTooLarge = errors.New("media exceeds size limit")

// preferred extensions for common channel mime types; mime.ExtensionsByType
// returns platform-dependent ordering for these.
var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
}

// Store writes media under a root directory.
type Store struct {
	dir       string
	urlPrefix string
	maxBytes  int64
	logger    *slog.Logger
}

// New creates a Store rooted at dir. Stored files are addressed as
// urlPrefix + "/" + account + "/" + name.
func New(dir, urlPrefix string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	return &Store{
		dir:       dir,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
		maxBytes:  maxBytes,
		logger:    logger.With("component", "media"),
	}, nil
}

// Ext returns the file extension for a mime type, falling back to the
// original filename's extension and then ".bin".
func Ext(mimeType, filename string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err == nil {
		if ext, ok := extensions[mt]; ok {
			return ext
		}
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return exts[0]
		}
	}
	if ext := filepath.Ext(filename); ext != "" && len(ext) <= 8 {
		return strings.ToLower(ext)
	}
	return ".bin"
}

// Save copies body to a new file for accountID and returns its public URL.
// A partially written file is removed on failure.
func (s *Store) Save(ctx context.Context, accountID string, body io.Reader, mimeType, filename string) (string, error) {
	if accountID == "" || strings.ContainsAny(accountID, `/\`) || accountID == ".." {
		return "", fmt.Errorf("invalid account id %q", accountID)
	}
	dir := filepath.Join(s.dir, accountID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating account media directory: %w", err)
	}

	name := uuid.NewString() + Ext(mimeType, filename)
	full := filepath.Join(dir, name)
	f, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("creating media file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(&ctxReader{ctx: ctx, r: body}, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(full)
		return "", fmt.Errorf("writing media file: %w", err)
	}

	s.logger.Debug("media stored", "account_id", accountID, "file", name, "size", humanize.Bytes(uint64(n)))
	return s.URL(accountID, name), nil
}

// URL returns the public URL of a stored file.
func (s *Store) URL(accountID, name string) string {
	return s.urlPrefix + "/" + path.Join(accountID, name)
}

// Handler serves stored files. Mount it with http.StripPrefix on the URL
// prefix path.
func (s *Store) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
