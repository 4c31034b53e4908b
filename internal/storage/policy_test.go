package storage

import "testing"

func TestPolicyThresholds(t *testing.T) {
	p := Policy{MinFreePercent: 15, SmallDivisor: 100, BigDivisor: 10}

	if got := p.MinFree(1000); got != 150 {
		t.Fatalf("MinFree(1000) = %d, want 150", got)
	}
	if got := p.Small(1000); got != 10 {
		t.Fatalf("Small(1000) = %d, want 10", got)
	}
	if got := p.Big(1000); got != 100 {
		t.Fatalf("Big(1000) = %d, want 100", got)
	}
}

func TestPolicySpaceSignals(t *testing.T) {
	p := Policy{MinFreePercent: 15, SmallDivisor: 100, BigDivisor: 10}
	tests := []struct {
		name         string
		free         uint64
		available    bool
		insufficient bool
	}{
		{"plenty", 900, true, false},
		{"exactly one small left", 160, true, false},
		{"hysteresis band", 155, false, false},
		{"at threshold", 150, false, false},
		{"below threshold", 149, false, true},
		{"empty", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Device{Path: "/mnt/a", Total: 1000, Free: tt.free}
			if got := p.SpaceAvailable(d); got != tt.available {
				t.Fatalf("SpaceAvailable = %v, want %v", got, tt.available)
			}
			if got := p.Insufficient(d); got != tt.insufficient {
				t.Fatalf("Insufficient = %v, want %v", got, tt.insufficient)
			}
		})
	}
}

func TestHasRoomForDoesNotUnderflow(t *testing.T) {
	p := Policy{MinFreePercent: 15, SmallDivisor: 100, BigDivisor: 10}
	if p.HasRoomFor(1000, 50, 100) {
		t.Fatal("size larger than free space must not fit")
	}
}

func TestZeroDivisorsYieldZeroSizes(t *testing.T) {
	var p Policy
	if p.Small(1000) != 0 || p.Big(1000) != 0 {
		t.Fatal("expected zero sizes for zero divisors")
	}
}
