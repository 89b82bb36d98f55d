// Package media stores uploaded images and videos and hands back durable URLs.
package media

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"anon-forum/internal/models"
	"anon-forum/internal/utils"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen matches the amount of data mimetype inspects by default.
const sniffLen = 3072

// ProgressFunc reports bytes sent so far out of total. total is 0 when unknown.
type ProgressFunc func(sent, total int64)

type Result struct {
	URL  string
	Kind models.MediaKind
	MIME string
}

// Uploader accepts a blob and returns where it can be fetched from.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, size int64, progress ProgressFunc) (*Result, error)
}

// Sniff detects the media type from the head of r. The returned reader
// yields the full content, head included.
func Sniff(r io.Reader) (*mimetype.MIME, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, nil, utils.NewAppError(utils.ErrInvalidInput, "failed to read upload", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, nil, utils.NewInvalidInputError("upload is empty")
	}
	return mimetype.Detect(head), io.MultiReader(bytes.NewReader(head), r), nil
}

// KindOf maps a detected type to a media kind.
func KindOf(mt *mimetype.MIME) (models.MediaKind, error) {
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return models.MediaImage, nil
		case strings.HasPrefix(m.String(), "video/"):
			return models.MediaVideo, nil
		}
	}
	return "", utils.NewInvalidInputError("unsupported media type " + mt.String())
}

type progressReader struct {
	r     io.Reader
	total int64
	fn    ProgressFunc

	mu   sync.Mutex
	sent int64
}

func withProgress(r io.Reader, total int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.sent += int64(n)
		sent := p.sent
		p.mu.Unlock()
		p.fn(sent, p.total)
	}
	return n, err
}
