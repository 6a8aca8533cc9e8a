package hostfunc

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows writes to existing files.
	MountReadWrite
	// MountReadWriteCreate also allows creating files and directories.
	MountReadWriteCreate
)

// ParseMountMode parses "ro", "rw" or "rwc".
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "ro":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	case "rwc":
		return MountReadWriteCreate, nil
	}
	return 0, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", s)
}

// Mount maps a virtual path seen by evaluated code onto a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// FSOption configures FS limits.
type FSOption func(*FS)

// WithMaxFileSize caps the size of files returned by read and read_csv.
func WithMaxFileSize(n int64) FSOption {
	return func(f *FS) { f.maxFileSize = n }
}

// WithMaxWriteSize caps the content size accepted by write.
func WithMaxWriteSize(n int64) FSOption {
	return func(f *FS) { f.maxWriteSize = n }
}

// WithMaxPathLength caps virtual path length.
func WithMaxPathLength(n int) FSOption {
	return func(f *FS) { f.maxPathLength = n }
}

// FS provides file access restricted to explicit mount points.
// Mounts are fixed at construction.
type FS struct {
	mounts        []Mount
	maxFileSize   int64
	maxWriteSize  int64
	maxPathLength int
}

// NewFS creates a filesystem capability over mounts. Mounts whose host path
// cannot be made absolute are dropped.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{
		maxFileSize:   10 << 20,
		maxWriteSize:  10 << 20,
		maxPathLength: 4096,
	}
	for _, opt := range opts {
		opt(f)
	}

	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		f.mounts = append(f.mounts, Mount{
			VirtualPath: "/" + strings.Trim(m.VirtualPath, "/"),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	return f
}

// Module exposes the filesystem as the "fs" capability module.
func (f *FS) Module() *Module {
	path := []string{"path"}
	return &Module{
		Name:    "fs",
		Version: "1",
		Bindings: []Binding{
			{Name: "read", Params: path, Fn: f.Read},
			{Name: "read_csv", Params: path, Fn: f.ReadCSV},
			{Name: "write", Params: []string{"path", "content"}, Fn: f.Write},
			{Name: "list", Params: path, Fn: f.List},
			{Name: "exists", Params: path, Fn: f.Exists},
			{Name: "mkdir", Params: path, Fn: f.Mkdir},
			{Name: "remove", Params: path, Fn: f.Remove},
			{Name: "stat", Params: path, Fn: f.Stat},
		},
	}
}

// resolve maps a virtual path to a host path inside its mount.
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	if f.maxPathLength > 0 && len(virtualPath) > f.maxPathLength {
		return "", nil, fmt.Errorf("path exceeds %d bytes", f.maxPathLength)
	}

	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return "", nil, errors.New("permission denied: read-only mount")
		}

		rel := strings.TrimPrefix(vp, m.VirtualPath)
		hostPath := filepath.Join(m.HostPath, rel)
		if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
			return "", nil, errors.New("permission denied: path escape attempt")
		}
		return hostPath, m, nil
	}

	return "", nil, errors.New("permission denied: path not in any mount")
}

func pathArg(args map[string]any) (string, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return "", errors.New("path required")
	}
	return path, nil
}

func (f *FS) open(path string) (*os.File, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, fmt.Errorf("stat error: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("is a directory: " + path)
	}
	if f.maxFileSize > 0 && info.Size() > f.maxFileSize {
		return nil, fmt.Errorf("file exceeds %d bytes: %s", f.maxFileSize, path)
	}
	return os.Open(hostPath)
}

// Read returns the contents of a file as a string.
func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	file, err := f.open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return string(data), nil
}

// ReadCSV parses a CSV file into rows of string fields. Rows may have
// different field counts.
func (f *FS) ReadCSV(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	file, err := f.open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv %s: %w", path, err)
	}

	rows := make([]any, len(records))
	for i, rec := range records {
		row := make([]any, len(rec))
		for j, v := range rec {
			row[j] = v
		}
		rows[i] = row
	}
	return rows, nil
}

// Write replaces the contents of a file. New files need a MountReadWriteCreate mount.
func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content required")
	}
	if f.maxWriteSize > 0 && int64(len(content)) > f.maxWriteSize {
		return nil, fmt.Errorf("content exceeds %d bytes", f.maxWriteSize)
	}

	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create new files")
	}

	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write error: %w", err)
	}
	return "ok", nil
}

// List returns the entries of a directory.
func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("directory not found: " + path)
		}
		return nil, fmt.Errorf("list error: %w", err)
	}

	result := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports whether a path exists. Paths outside every mount do not.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

// Mkdir creates a directory and its parents.
func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create directories")
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir error: %w", err)
	}
	return "ok", nil
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if hostPath == m.HostPath {
		return nil, errors.New("permission denied: cannot remove mount root")
	}

	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, fmt.Errorf("remove error: %w", err)
	}
	return "ok", nil
}

// Stat describes a file or directory.
func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, fmt.Errorf("stat error: %w", err)
	}

	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}
