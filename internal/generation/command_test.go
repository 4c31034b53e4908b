package generation

import (
	"slices"
	"testing"
	"time"
)

func TestCommandBuild(t *testing.T) {
	c := CommandConfig{
		Binary:      "/opt/xplotter",
		AccountID:   "1234567890",
		Threads:     8,
		MemoryGB:    4,
		LogThrottle: 10 * time.Second,
	}
	cmd := c.Build("/mnt/a/plotkeeper/plots", 1050, 40)

	want := []string{"-id", "1234567890", "-sn", "1050", "-n", "40", "-t", "8", "-path", "/mnt/a/plotkeeper/plots", "-mem", "4G"}
	if !slices.Equal(cmd.Args, want) {
		t.Fatalf("args = %v, want %v", cmd.Args, want)
	}
	if cmd.Binary != "/opt/xplotter" || cmd.Name != "plotter" || cmd.Throttle != 10*time.Second {
		t.Fatalf("unexpected command %+v", cmd)
	}
}
