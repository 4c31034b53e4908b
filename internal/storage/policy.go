package storage

import "plotkeeper/internal/config"

// Policy derives thresholds and artifact sizes from a device's total capacity.
type Policy struct {
	MinFreePercent float64
	SmallDivisor   uint64
	BigDivisor     uint64
}

// PolicyFromConfig builds a Policy from the capacity section.
func PolicyFromConfig(c config.Capacity) Policy {
	return Policy{
		MinFreePercent: c.MinFreePercent,
		SmallDivisor:   c.SmallDivisor,
		BigDivisor:     c.BigDivisor,
	}
}

// MinFree is the free space that must remain on a device.
func (p Policy) MinFree(total uint64) uint64 {
	return uint64(float64(total) * p.MinFreePercent / 100)
}

// Small is the size of a small artifact.
func (p Policy) Small(total uint64) uint64 {
	if p.SmallDivisor == 0 {
		return 0
	}
	return total / p.SmallDivisor
}

// Big is the size of a big artifact.
func (p Policy) Big(total uint64) uint64 {
	if p.BigDivisor == 0 {
		return 0
	}
	return total / p.BigDivisor
}

// HasRoomFor reports whether free space minus size still clears the threshold.
func (p Policy) HasRoomFor(total, free, size uint64) bool {
	return free >= size && free-size >= p.MinFree(total)
}

// SpaceAvailable reports whether another small artifact fits on d.
func (p Policy) SpaceAvailable(d Device) bool {
	return p.HasRoomFor(d.Total, d.Free, p.Small(d.Total))
}

// Insufficient reports whether d has dropped below the threshold.
func (p Policy) Insufficient(d Device) bool {
	return d.Free < p.MinFree(d.Total)
}
