package artifact

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/logging"
	"plotkeeper/internal/storage"
)

// ReclaimResult contains the outcome of one reclamation.
type ReclaimResult struct {
	Deleted []Artifact
	Errors  []ReclaimError
	Free    uint64
}

// ReclaimError pairs an artifact path with its deletion error.
type ReclaimError struct {
	Path  string
	Error error
}

// Reclaimer deletes the newest artifacts of a device until free space is back
// above the policy threshold.
type Reclaimer struct {
	bus         *bus.Bus
	prober      storage.Prober
	policy      storage.Policy
	artifactDir string
	logger      *slog.Logger
	remove      func(string) error
	observe     func(device string, deleted int)

	mu   sync.Mutex
	busy map[string]struct{}
	sub  *bus.Subscription
}

// ReclaimerOption customizes a Reclaimer.
type ReclaimerOption func(*Reclaimer)

// WithRemove replaces os.Remove. Intended for tests.
func WithRemove(fn func(string) error) ReclaimerOption {
	return func(r *Reclaimer) {
		if fn != nil {
			r.remove = fn
		}
	}
}

// WithObserver is called after every reclamation that deleted something.
func WithObserver(fn func(device string, deleted int)) ReclaimerOption {
	return func(r *Reclaimer) { r.observe = fn }
}

// NewReclaimer constructs a reclaimer. artifactDir is relative to each device root.
func NewReclaimer(b *bus.Bus, prober storage.Prober, policy storage.Policy, artifactDir string, logger *slog.Logger, opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		bus:         b,
		prober:      prober,
		policy:      policy,
		artifactDir: artifactDir,
		logger:      logging.NewComponentLogger(logger, "reclaimer"),
		remove:      os.Remove,
		busy:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to SpaceInsufficient with background delivery so a slow
// reclamation never holds up the disk monitor.
func (r *Reclaimer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}
	r.sub = r.bus.Subscribe(bus.SpaceInsufficient, func(n bus.Notification) {
		r.Reclaim(ctx, n.Device)
	}, bus.WithDelivery(bus.Background))
}

// Close cancels the subscription.
func (r *Reclaimer) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	sub.Cancel()
}

func (r *Reclaimer) claim(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.busy[path]; running {
		return false
	}
	r.busy[path] = struct{}{}
	return true
}

func (r *Reclaimer) release(path string) {
	r.mu.Lock()
	delete(r.busy, path)
	r.mu.Unlock()
}

// Reclaim deletes artifacts on d, newest first, until free space reaches the
// threshold or nothing deletable remains. An artifact that fails to delete is
// excluded from later searches so the loop always makes progress. A second
// call for a device already being reclaimed returns immediately.
func (r *Reclaimer) Reclaim(ctx context.Context, d storage.Device) ReclaimResult {
	var result ReclaimResult
	if !r.claim(d.Path) {
		r.logger.Debug("reclamation already running", logging.Device(d.Path))
		return result
	}
	defer r.release(d.Path)

	dir := d.ArtifactDir(r.artifactDir)
	excluded := make(map[string]struct{})
	for ctx.Err() == nil {
		current, err := storage.Refresh(r.prober, d)
		if err != nil {
			logging.WarnWithContext(r.logger, "free space probe failed; reclamation paused", "reclaim_probe_failed",
				logging.Device(d.Path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "reclamation resumes on the next space-insufficient signal"),
			)
			break
		}
		result.Free = current.Free
		if !r.policy.Insufficient(current) {
			break
		}

		artifacts, err := List(dir)
		if err != nil {
			logging.WarnWithContext(r.logger, "artifact listing failed", "reclaim_list_failed",
				logging.Device(d.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check artifact directory permissions"),
			)
			break
		}
		newest, ok := Newest(artifacts, excluded)
		if !ok {
			logging.WarnWithContext(r.logger, "no deletable artifacts left; device stays below threshold", "reclaim_exhausted",
				logging.Device(d.Path),
				logging.Bytes("free", current.Free),
				logging.Bytes("min_free", r.policy.MinFree(current.Total)),
				logging.String(logging.FieldImpact, "device remains unavailable for generation"),
				logging.String(logging.FieldErrorHint, "free space on the device by other means"),
			)
			break
		}

		if err := r.remove(newest.Path()); err != nil {
			excluded[newest.Path()] = struct{}{}
			result.Errors = append(result.Errors, ReclaimError{Path: newest.Path(), Error: err})
			logging.WarnWithContext(r.logger, "failed to delete artifact", "reclaim_delete_failed",
				logging.Device(d.Path),
				logging.String("path", newest.Path()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check artifact file permissions"),
				logging.String(logging.FieldImpact, "skipping to the next newest artifact"),
			)
			continue
		}
		result.Deleted = append(result.Deleted, newest)
		r.logger.Info("artifact deleted to reclaim space",
			logging.Device(d.Path),
			logging.String("path", newest.Path()),
			logging.Uint64("start", newest.Start),
			logging.Uint64("count", newest.Count),
			logging.String(logging.FieldEventType, "artifact_reclaimed"),
		)
	}

	if len(result.Deleted) > 0 && r.observe != nil {
		r.observe(d.Path, len(result.Deleted))
	}
	return result
}
