package storage

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Device is a read-only snapshot of one mounted filesystem. Path is the
// identity used for comparison everywhere.
type Device struct {
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
	FSType string `json:"fs_type,omitempty"`
	Total  uint64 `json:"total"`
	Free   uint64 `json:"free"`
}

// ArtifactDir returns the artifact directory for this device.
func (d Device) ArtifactDir(rel string) string {
	return filepath.Join(d.Path, rel)
}

// Used returns the bytes in use.
func (d Device) Used() uint64 {
	if d.Free > d.Total {
		return 0
	}
	return d.Total - d.Free
}

// Usage is the capacity reported for a path.
type Usage struct {
	Total uint64
	Free  uint64
}

// Prober reports capacity for a mounted path.
type Prober interface {
	Usage(path string) (Usage, error)
}

// StatfsProber reads capacity with statfs(2). Free counts blocks available to
// unprivileged users, which is what the plotter can actually consume.
type StatfsProber struct{}

func (StatfsProber) Usage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{Total: st.Blocks * bsize, Free: st.Bavail * bsize}, nil
}

// Refresh returns a new snapshot of d with capacity re-read from p.
func Refresh(p Prober, d Device) (Device, error) {
	usage, err := p.Usage(d.Path)
	if err != nil {
		return d, err
	}
	d.Total = usage.Total
	d.Free = usage.Free
	return d, nil
}

// Paths returns the root paths of devices in order.
func Paths(devices []Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.Path
	}
	return out
}
