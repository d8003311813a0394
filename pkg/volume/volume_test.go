package volume

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewValidation tests volume construction constraints
func TestNewValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := New("", dir, 0)
	assert.Error(t, err)

	_, err = New("vol1", dir, -1)
	assert.Error(t, err)

	_, err = New("vol1", dir, MaxShardingDepth+1)
	assert.Error(t, err)

	v, err := New("vol1", filepath.Join(dir, "does", "not", "exist"), 2)
	require.NoError(t, err)
	info, err := os.Stat(v.MountPath())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// TestPathFor tests sharded path layout and component sanitization
func TestPathFor(t *testing.T) {
	dir := t.TempDir()
	itemID := "0123456789abcdef0123456789abcdef"

	tests := []struct {
		name       string
		depth      int
		tenantID   string
		ext        string
		wantSuffix string
		wantErr    bool
	}{
		{
			name:       "no sharding",
			depth:      0,
			tenantID:   "acme",
			wantSuffix: filepath.Join("acme", itemID),
		},
		{
			name:       "depth two",
			depth:      2,
			tenantID:   "acme",
			wantSuffix: filepath.Join("acme", "01", "23", itemID),
		},
		{
			name:       "extension preserved",
			depth:      1,
			tenantID:   "acme",
			ext:        ".pdf",
			wantSuffix: filepath.Join("acme", "01", itemID+".pdf"),
		},
		{
			name:     "tenant with separator rejected",
			depth:    0,
			tenantID: "a/b",
			wantErr:  true,
		},
		{
			name:     "dot segment tenant rejected",
			depth:    0,
			tenantID: "..",
			wantErr:  true,
		},
		{
			name:     "extension without dot rejected",
			depth:    0,
			tenantID: "acme",
			ext:      "pdf",
			wantErr:  true,
		},
		{
			name:     "extension with traversal rejected",
			depth:    0,
			tenantID: "acme",
			ext:      "../x",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New("vol1", dir, tt.depth)
			require.NoError(t, err)

			p, err := v.PathFor(tt.tenantID, itemID, tt.ext)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(v.MountPath(), tt.wantSuffix), p)
		})
	}
}

// TestWriteReadDelete tests the byte file roundtrip
func TestWriteReadDelete(t *testing.T) {
	v, err := New("vol1", t.TempDir(), 2)
	require.NoError(t, err)
	ctx := context.Background()

	path, err := v.PathFor("acme", "aabbccddeeff00112233445566778899", ".txt")
	require.NoError(t, err)

	payload := []byte("hello queue")
	n, err := v.Write(ctx, path, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	rc, err := v.Read(ctx, path)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, payload, got)

	require.NoError(t, v.Delete(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting again is not an error.
	assert.NoError(t, v.Delete(path))
}

// failingReader errors after a few bytes.
type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n > 0 {
		r.n--
		p[0] = 'x'
		return 1, nil
	}
	return 0, io.ErrUnexpectedEOF
}

// TestWriteCleansUpPartialFile tests that a failed write leaves nothing
func TestWriteCleansUpPartialFile(t *testing.T) {
	v, err := New("vol1", t.TempDir(), 0)
	require.NoError(t, err)

	path, err := v.PathFor("acme", "aabbccddeeff00112233445566778899", "")
	require.NoError(t, err)

	_, err = v.Write(context.Background(), path, &failingReader{n: 3})
	require.Error(t, err)
	_, serr := os.Stat(path)
	assert.True(t, os.IsNotExist(serr))
}

// TestWriteRejectsOutsidePath tests mount containment
func TestWriteRejectsOutsidePath(t *testing.T) {
	v, err := New("vol1", t.TempDir(), 0)
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "escape.bin")
	_, err = v.Write(context.Background(), outside, strings.NewReader("x"))
	assert.Error(t, err)
	assert.Error(t, v.Delete(outside))
}

// TestHealthy tests the probe against present and missing mounts
func TestHealthy(t *testing.T) {
	dir := t.TempDir()
	v, err := New("vol1", dir, 0)
	require.NoError(t, err)
	assert.True(t, v.Healthy())

	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, v.Healthy())
}

// TestCapacity tests that statfs numbers are sane
func TestCapacity(t *testing.T) {
	v, err := New("vol1", t.TempDir(), 0)
	require.NoError(t, err)

	total, err := v.TotalCapacity()
	require.NoError(t, err)
	avail, err := v.AvailableSpace()
	require.NoError(t, err)

	assert.Greater(t, total, int64(0))
	assert.GreaterOrEqual(t, total, avail)
}

// TestIsJunkFile tests junk name classification
func TestIsJunkFile(t *testing.T) {
	assert.True(t, IsJunkFile(".DS_Store"))
	assert.True(t, IsJunkFile("Thumbs.db"))
	assert.True(t, IsJunkFile("desktop.ini"))
	assert.True(t, IsJunkFile("upload.tmp"))
	assert.True(t, IsJunkFile("/mnt/vol1/acme/.DS_Store"))
	assert.True(t, IsJunkFile(healthProbeName))
	assert.False(t, IsJunkFile("report.pdf"))
	assert.False(t, IsJunkFile("aabbccdd"))
}
