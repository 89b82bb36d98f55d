package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"anon-forum/internal/models"
	"anon-forum/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		img.Set(x, x, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSniffKeepsContent(t *testing.T) {
	data := pngBytes(t)
	mt, body, err := Sniff(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt.String())

	var out bytes.Buffer
	_, err = out.ReadFrom(body)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())

	kind, err := KindOf(mt)
	require.NoError(t, err)
	assert.Equal(t, models.MediaImage, kind)
}

func TestKindOfRejectsDocuments(t *testing.T) {
	mt, _, err := Sniff(strings.NewReader("just some text, not media"))
	require.NoError(t, err)
	_, err = KindOf(mt)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, _, err = Sniff(strings.NewReader(""))
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))
}

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocal(dir, "/media/", nil)
	require.NoError(t, err)

	data := pngBytes(t)
	var last, total int64
	res, err := u.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), func(sent, size int64) {
		last, total = sent, size
	})
	require.NoError(t, err)
	assert.Equal(t, models.MediaImage, res.Kind)
	assert.True(t, strings.HasPrefix(res.URL, "/media/"))
	assert.True(t, strings.HasSuffix(res.URL, ".png"))
	assert.Equal(t, int64(len(data)), last)
	assert.Equal(t, int64(len(data)), total)

	stored, err := os.ReadFile(filepath.Join(dir, path.Base(res.URL)))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestLocalUploaderRejectsUnsupported(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocal(dir, "/media", nil)
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), strings.NewReader("plain text"), 10, nil)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
