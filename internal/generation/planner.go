package generation

import (
	"plotkeeper/internal/artifact"
	"plotkeeper/internal/config"
	"plotkeeper/internal/storage"
)

// StepKind labels what a plotter invocation produces.
type StepKind string

const (
	StepRegenerate StepKind = "regenerate"
	StepBig        StepKind = "big"
	StepSmall      StepKind = "small"
)

// Step is one plotter invocation.
type Step struct {
	Kind  StepKind `json:"kind"`
	Start uint64   `json:"start"`
	Count uint64   `json:"count"`
	// Size is the expected on-disk size; zero for regeneration.
	Size uint64 `json:"size"`
}

// Planner decides the artifacts of a pass.
type Planner struct {
	Policy    storage.Policy
	UnitSize  uint64
	Sequencer artifact.Sequencer
}

// PlannerFromConfig builds a Planner from the capacity section.
func PlannerFromConfig(c config.Capacity) Planner {
	return Planner{
		Policy:    storage.PolicyFromConfig(c),
		UnitSize:  c.UnitSize,
		Sequencer: artifact.NewSequencer(c.PoolCapacity, c.AverageArtifactCapacity),
	}
}

// Units converts a byte size to a plotter unit count, at least one.
func (p Planner) Units(size uint64) uint64 {
	if p.UnitSize == 0 {
		return 1
	}
	if n := size / p.UnitSize; n > 0 {
		return n
	}
	return 1
}

// Regenerations returns one step per existing artifact, in index order.
func (p Planner) Regenerations(existing []artifact.Artifact) []Step {
	steps := make([]Step, 0, len(existing))
	for _, a := range existing {
		steps = append(steps, Step{Kind: StepRegenerate, Start: a.Start, Count: a.Count})
	}
	return steps
}

// NextNew returns the next new-artifact step for a device with the given
// capacity, or false when nothing more fits. bigConsidered reports whether
// the pass already had its one chance at a big artifact. start is the index
// the step should begin at.
func (p Planner) NextNew(d storage.Device, bigConsidered bool, start uint64) (Step, bool) {
	if !bigConsidered {
		if big := p.Policy.Big(d.Total); big > 0 && p.Policy.HasRoomFor(d.Total, d.Free, big) {
			return Step{Kind: StepBig, Start: start, Count: p.Units(big), Size: big}, true
		}
	}
	small := p.Policy.Small(d.Total)
	if small == 0 || !p.Policy.HasRoomFor(d.Total, d.Free, small) {
		return Step{}, false
	}
	return Step{Kind: StepSmall, Start: start, Count: p.Units(small), Size: small}, true
}

// Simulate plans every new artifact for a device assuming each one consumes
// exactly its size. It backs status estimates and tests.
func (p Planner) Simulate(d storage.Device, start uint64) []Step {
	var steps []Step
	bigConsidered := false
	for {
		step, ok := p.NextNew(d, bigConsidered, start)
		bigConsidered = true
		if !ok {
			return steps
		}
		steps = append(steps, step)
		d.Free -= step.Size
		start += step.Count
	}
}

// TotalSize sums the sizes of steps.
func TotalSize(steps []Step) uint64 {
	var total uint64
	for _, s := range steps {
		total += s.Size
	}
	return total
}
