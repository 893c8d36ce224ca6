package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps() Deps {
	return Deps{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newTestFileAdapter(t *testing.T, settings map[string]string) *FileAdapter {
	t.Helper()
	if settings == nil {
		settings = map[string]string{}
	}
	if settings["root"] == "" {
		settings["root"] = t.TempDir()
	}
	a := NewFileAdapter(testDeps())
	require.NoError(t, a.Connect(context.Background(), interfaces.BackendConfig{
		Name:     "local",
		Driver:   "local",
		Settings: settings,
	}))
	return a
}

func TestFileAdapter_RequiresRoot(t *testing.T) {
	a := NewFileAdapter(testDeps())
	err := a.Connect(context.Background(), interfaces.BackendConfig{Name: "local", Driver: "local"})
	assert.Error(t, err)
}

func TestFileAdapter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newTestFileAdapter(t, nil)

	res, err := a.Upload(ctx, "docs/report.txt", []byte("hello world"), interfaces.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusSuccess, res.Status)
	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", res.ETag)
	assert.Contains(t, res.ContentType, "text/plain")

	var buf bytes.Buffer
	res, err = a.Download(ctx, "docs/report.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
	assert.Equal(t, int64(11), res.Size)
	assert.NotNil(t, res.LastModified)

	exists, err := a.Exists(ctx, "docs/report.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = a.Exists(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, exists, "directories are not objects")

	meta, err := a.GetMetadata(ctx, "docs/report.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), meta.Size)

	_, err = a.Delete(ctx, "docs/report.txt")
	require.NoError(t, err)
	_, err = a.Delete(ctx, "docs/report.txt")
	require.NoError(t, err, "deleting a missing object succeeds")

	_, err = a.Download(ctx, "docs/report.txt", &buf)
	assert.ErrorIs(t, err, interfaces.ErrProvider)
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)

	_, err = a.GetMetadata(ctx, "docs/report.txt")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)
}

func TestFileAdapter_ListAndUsage(t *testing.T) {
	ctx := context.Background()
	a := newTestFileAdapter(t, nil)

	for _, p := range []string{"a/1.txt", "a/2.txt", "b/3.txt"} {
		_, err := a.Upload(ctx, p, []byte(p), interfaces.UploadOptions{})
		require.NoError(t, err)
	}
	// leftover temp files are never listed
	require.NoError(t, os.WriteFile(filepath.Join(a.baseDir, "a", ".upload-123"), []byte("x"), 0644))

	res, err := a.List(ctx, "a/", interfaces.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	assert.Equal(t, "a/1.txt", res.Files[0].Path)
	assert.Equal(t, "1.txt", res.Files[0].Name)
	assert.Equal(t, "a/2.txt", res.Files[1].Path)

	res, err = a.List(ctx, "", interfaces.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	res, err = a.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Usage.Storage.ObjectCount)
	assert.Equal(t, int64(21), res.Usage.Storage.TotalBytes)
	assert.Equal(t, "21 B", res.Usage.Storage.TotalHuman)
	assert.Equal(t, int64(3), res.Usage.Requests["put_requests"])
	assert.Equal(t, "USD", res.Usage.Costs.Currency)
}

func TestFileAdapter_SignedURL(t *testing.T) {
	ctx := context.Background()

	unsigned := newTestFileAdapter(t, nil)
	u, err := unsigned.GenerateSignedURL(ctx, "a.txt", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, u, "no signed URL without base_url and signing_key")

	a := newTestFileAdapter(t, map[string]string{
		"base_url":    "https://files.example.com/",
		"signing_key": "s3cret",
	})
	u, err = a.GenerateSignedURL(ctx, "docs/a.txt", time.Hour)
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "files.example.com", parsed.Host)
	assert.Equal(t, "/docs/a.txt", parsed.Path)

	expires, err := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	sig := parsed.Query().Get("signature")

	now := time.Now()
	assert.NoError(t, a.VerifySignature("docs/a.txt", expires, sig, now))
	assert.Error(t, a.VerifySignature("docs/b.txt", expires, sig, now))
	assert.Error(t, a.VerifySignature("docs/a.txt", expires, sig, now.Add(2*time.Hour)))
	assert.Error(t, unsigned.VerifySignature("docs/a.txt", expires, sig, now))
}

func TestFileAdapter_TestConnection(t *testing.T) {
	a := newTestFileAdapter(t, nil)
	res, err := a.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Connection successful", res.Message)

	require.NoError(t, os.RemoveAll(a.baseDir))
	_, err = a.TestConnection(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrProvider)
}
