package volume

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cuemby/hutch/pkg/types"
)

const (
	// MaxShardingDepth bounds the number of id-prefix directory levels
	// between the tenant root and the byte file.
	MaxShardingDepth = 3

	shardWidth = 2

	healthProbeName = ".hutch-health"
)

// Volume is one mounted filesystem subtree registered with the pool.
// All byte files for all tenants on this volume live under its mount
// path. Volume operations are lock-free; item ids are globally unique,
// so concurrent writes never target the same path.
type Volume struct {
	id         string
	mountPath  string
	shardDepth int
}

// New creates a volume rooted at mountPath, creating the directory if
// needed. shardDepth is the number of 2-character id-prefix levels
// inserted between tenant root and file (0..3).
func New(id, mountPath string, shardDepth int) (*Volume, error) {
	if id == "" {
		return nil, fmt.Errorf("volume id is required")
	}
	if shardDepth < 0 || shardDepth > MaxShardingDepth {
		return nil, fmt.Errorf("sharding depth must be 0..%d, got %d", MaxShardingDepth, shardDepth)
	}

	abs, err := filepath.Abs(mountPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mount path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mount directory: %w", err)
	}

	return &Volume{
		id:         id,
		mountPath:  abs,
		shardDepth: shardDepth,
	}, nil
}

// ID returns the volume identifier.
func (v *Volume) ID() string { return v.id }

// MountPath returns the absolute mount root.
func (v *Volume) MountPath() string { return v.mountPath }

// TenantRoot returns the directory holding a tenant's byte files.
func (v *Volume) TenantRoot(tenantID string) string {
	return filepath.Join(v.mountPath, tenantID)
}

// PathFor computes the sharded physical path for an item. ext must be
// empty or start with a dot; it is preserved from the original name.
func (v *Volume) PathFor(tenantID, itemID, ext string) (string, error) {
	if err := checkComponent(tenantID); err != nil {
		return "", fmt.Errorf("invalid tenant id: %w", err)
	}
	if err := checkComponent(itemID); err != nil {
		return "", fmt.Errorf("invalid item id: %w", err)
	}
	if ext != "" {
		if !strings.HasPrefix(ext, ".") || checkComponent(ext[1:]) != nil {
			return "", fmt.Errorf("invalid extension %q", ext)
		}
	}

	parts := make([]string, 0, v.shardDepth+3)
	parts = append(parts, v.mountPath, tenantID)
	for i := 0; i < v.shardDepth && (i+1)*shardWidth <= len(itemID); i++ {
		parts = append(parts, itemID[i*shardWidth:(i+1)*shardWidth])
	}
	parts = append(parts, itemID+ext)

	p := filepath.Join(parts...)
	if !v.contains(p) {
		return "", fmt.Errorf("path %q escapes mount root", p)
	}
	return p, nil
}

// Write streams r into a new file at path, creating parent directories.
// On any failure the partial file is unlinked before returning. The
// byte count written is returned on success.
func (v *Volume) Write(ctx context.Context, path string, r io.Reader) (int64, error) {
	if !v.contains(path) {
		return 0, fmt.Errorf("path %q is outside volume %s", path, v.id)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directories: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

// Read opens the byte file at path for streaming.
func (v *Volume) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	if !v.contains(path) {
		return nil, fmt.Errorf("path %q is outside volume %s", path, v.id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes the byte file at path. Missing files are not an error.
func (v *Volume) Delete(path string) error {
	if !v.contains(path) {
		return fmt.Errorf("path %q is outside volume %s", path, v.id)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// TotalCapacity returns the size in bytes of the filesystem backing the
// mount.
func (v *Volume) TotalCapacity() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.mountPath, &st); err != nil {
		return 0, fmt.Errorf("statfs failed for %s: %w", v.mountPath, err)
	}
	return int64(st.Blocks) * int64(st.Bsize), nil
}

// AvailableSpace returns the bytes available to unprivileged writes on
// the filesystem backing the mount.
func (v *Volume) AvailableSpace() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.mountPath, &st); err != nil {
		return 0, fmt.Errorf("statfs failed for %s: %w", v.mountPath, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Healthy reports whether the mount is present, a directory, and
// writable. Transient negatives are tolerated by the pool's admission
// probes.
func (v *Volume) Healthy() bool {
	info, err := os.Stat(v.mountPath)
	if err != nil || !info.IsDir() {
		return false
	}

	probe := filepath.Join(v.mountPath, healthProbeName)
	f, err := os.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// Info returns the read-only view of the volume.
func (v *Volume) Info() types.VolumeInfo {
	total, _ := v.TotalCapacity()
	avail, _ := v.AvailableSpace()
	return types.VolumeInfo{
		ID:             v.id,
		MountPath:      v.mountPath,
		TotalCapacity:  total,
		AvailableSpace: avail,
		Healthy:        v.Healthy(),
	}
}

// contains reports whether path resolves under the mount root.
func (v *Volume) contains(path string) bool {
	clean := filepath.Clean(path)
	return clean == v.mountPath || strings.HasPrefix(clean, v.mountPath+string(filepath.Separator))
}

// checkComponent rejects path components that could traverse out of the
// tree: empty strings, dot segments, and anything containing a
// separator.
func checkComponent(s string) error {
	if s == "" {
		return fmt.Errorf("empty path component")
	}
	if s == "." || s == ".." {
		return fmt.Errorf("dot segment not allowed")
	}
	if strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("path separator not allowed")
	}
	return nil
}
