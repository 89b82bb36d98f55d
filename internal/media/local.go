package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"anon-forum/internal/utils"

	"github.com/google/uuid"
)

// LocalUploader writes uploads into a directory served under baseURL.
type LocalUploader struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

func NewLocal(dir, baseURL string, logger *slog.Logger) (*LocalUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalUploader{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "media", "backend", "local"),
	}, nil
}

func (u *LocalUploader) Dir() string {
	return u.dir
}

func (u *LocalUploader) Upload(ctx context.Context, r io.Reader, size int64, progress ProgressFunc) (*Result, error) {
	mt, body, err := Sniff(r)
	if err != nil {
		return nil, err
	}
	kind, err := KindOf(mt)
	if err != nil {
		return nil, err
	}

	name := uuid.NewString() + mt.Extension()
	f, err := os.CreateTemp(u.dir, ".upload-*")
	if err != nil {
		return nil, utils.NewAppError(utils.ErrUnavailable, "media storage unavailable", err)
	}
	defer os.Remove(f.Name())

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: withProgress(body, size, progress)})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrUnavailable, "media upload failed", err)
	}
	if err := os.Rename(f.Name(), filepath.Join(u.dir, name)); err != nil {
		return nil, utils.NewAppError(utils.ErrUnavailable, "media upload failed", err)
	}

	u.logger.Info("media stored", "file", name, "kind", kind, "bytes", n)
	return &Result{URL: u.baseURL + "/" + name, Kind: kind, MIME: mt.String()}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
