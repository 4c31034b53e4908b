package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	startField = 1
	countField = 2
)

// Artifact is one generated-capacity file.
type Artifact struct {
	Dir   string `json:"dir"`
	Name  string `json:"name"`
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
	Size  int64  `json:"size"`
}

// Path is the absolute file path.
func (a Artifact) Path() string { return filepath.Join(a.Dir, a.Name) }

// End is the first index after this artifact.
func (a Artifact) End() uint64 { return a.Start + a.Count }

// Parse extracts the starting index and unit count from a file name.
func Parse(name string) (start, count uint64, ok bool) {
	fields := strings.Split(name, "_")
	if len(fields) <= countField {
		return 0, 0, false
	}
	start, err := strconv.ParseUint(fields[startField], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	count, err = strconv.ParseUint(fields[countField], 10, 64)
	if err != nil || count == 0 {
		return 0, 0, false
	}
	return start, count, true
}

// List returns the artifacts in dir ordered by starting index. A missing
// directory yields no artifacts and no error.
func List(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts in %s: %w", dir, err)
	}
	var out []Artifact
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		start, count, ok := Parse(entry.Name())
		if !ok {
			continue
		}
		a := Artifact{Dir: dir, Name: entry.Name(), Start: start, Count: count}
		if info, err := entry.Info(); err == nil {
			a.Size = info.Size()
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start == out[j].Start {
			return out[i].Name < out[j].Name
		}
		return out[i].Start < out[j].Start
	})
	return out, nil
}

// Newest returns the artifact with the largest starting index, skipping any
// whose path is in exclude.
func Newest(artifacts []Artifact, exclude map[string]struct{}) (Artifact, bool) {
	var best Artifact
	found := false
	for _, a := range artifacts {
		if _, skip := exclude[a.Path()]; skip {
			continue
		}
		if !found || a.Start > best.Start {
			best = a
			found = true
		}
	}
	return best, found
}

// Sequencer hands out starting indices for new artifacts.
type Sequencer struct {
	// Slots is the size of the random starting range, pool capacity divided
	// by average artifact capacity.
	Slots  uint64
	Random func(n uint64) uint64
}

// NewSequencer builds a Sequencer for the given pool sizing.
func NewSequencer(poolCapacity, averageArtifactCapacity uint64) Sequencer {
	slots := uint64(1)
	if averageArtifactCapacity > 0 && poolCapacity/averageArtifactCapacity > 0 {
		slots = poolCapacity / averageArtifactCapacity
	}
	return Sequencer{Slots: slots, Random: rand.Uint64N}
}

// Next returns newest.Start+newest.Count, or a uniformly random index in
// [0, Slots) when there are no artifacts.
func (s Sequencer) Next(artifacts []Artifact) uint64 {
	if newest, ok := Newest(artifacts, nil); ok {
		return newest.End()
	}
	random := s.Random
	if random == nil {
		random = rand.Uint64N
	}
	slots := s.Slots
	if slots == 0 {
		slots = 1
	}
	return random(slots)
}
