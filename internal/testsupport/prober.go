package testsupport

import (
	"fmt"
	"sync"

	"plotkeeper/internal/storage"
)

// FakeProber is an in-memory storage.Prober whose capacities tests control.
type FakeProber struct {
	mu     sync.Mutex
	usage  map[string]storage.Usage
	errs   map[string]error
	probes map[string]int
}

// NewFakeProber returns an empty FakeProber.
func NewFakeProber() *FakeProber {
	return &FakeProber{
		usage:  make(map[string]storage.Usage),
		errs:   make(map[string]error),
		probes: make(map[string]int),
	}
}

// Set records capacity for path.
func (p *FakeProber) Set(path string, total, free uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage[path] = storage.Usage{Total: total, Free: free}
}

// SetFree changes only the free space for path.
func (p *FakeProber) SetFree(path string, free uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.usage[path]
	u.Free = free
	p.usage[path] = u
}

// Adjust adds delta (which may be negative) to the free space for path,
// clamping at zero.
func (p *FakeProber) Adjust(path string, delta int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.usage[path]
	switch {
	case delta >= 0:
		u.Free += uint64(delta)
	case uint64(-delta) > u.Free:
		u.Free = 0
	default:
		u.Free -= uint64(-delta)
	}
	p.usage[path] = u
}

// Fail makes probes of path return err until cleared with a nil err.
func (p *FakeProber) Fail(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, path)
		return
	}
	p.errs[path] = err
}

// Probes returns how many times path was probed.
func (p *FakeProber) Probes(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[path]
}

// Usage implements storage.Prober.
func (p *FakeProber) Usage(path string) (storage.Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[path]++
	if err := p.errs[path]; err != nil {
		return storage.Usage{}, err
	}
	u, ok := p.usage[path]
	if !ok {
		return storage.Usage{}, fmt.Errorf("fake prober: unknown path %s", path)
	}
	return u, nil
}
