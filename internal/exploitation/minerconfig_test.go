package exploitation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRenderReplacesPlotDirsOnly(t *testing.T) {
	w := NewConfigWriter("", t.TempDir())
	out, err := w.Render([]string{"/mnt/a/plotkeeper/plots", "/mnt/b/plotkeeper/plots"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	text := string(out)
	for _, want := range []string{"- '/mnt/a/plotkeeper/plots'", "- '/mnt/b/plotkeeper/plots'"} {
		if !strings.Contains(text, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, text)
		}
	}

	var got, base map[string]any
	if err := yaml.Unmarshal(out, &got); err != nil {
		t.Fatalf("rendered config is not valid YAML: %v", err)
	}
	if err := yaml.Unmarshal(baseConfig, &base); err != nil {
		t.Fatalf("base config: %v", err)
	}
	for key, value := range base {
		if key == plotDirsKey {
			continue
		}
		if _, ok := got[key]; !ok {
			t.Fatalf("key %q dropped from rendered config (base value %v)", key, value)
		}
	}
	dirs, ok := got[plotDirsKey].([]any)
	if !ok || len(dirs) != 2 {
		t.Fatalf("unexpected plot_dirs %v", got[plotDirsKey])
	}
}

func TestRenderUsesTemplateAndAddsMissingKey(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "template.yaml")
	if err := os.WriteFile(template, []byte("url: 'http://example.invalid'\ntimeout: 10\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	w := NewConfigWriter(template, dir)
	out, err := w.Render([]string{"/mnt/a/plots"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var got struct {
		URL      string   `yaml:"url"`
		Timeout  int      `yaml:"timeout"`
		PlotDirs []string `yaml:"plot_dirs"`
	}
	if err := yaml.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.URL != "http://example.invalid" || got.Timeout != 10 || len(got.PlotDirs) != 1 || got.PlotDirs[0] != "/mnt/a/plots" {
		t.Fatalf("unexpected rendered config %+v", got)
	}
}

func TestRenderRejectsNonMapping(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "template.yaml")
	if err := os.WriteFile(template, []byte("- just\n- a list\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := NewConfigWriter(template, dir).Render(nil); err == nil {
		t.Fatal("expected error for non-mapping template")
	}
}

func TestWriteCreatesFileInConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "miner")
	path, err := NewConfigWriter("", dir).Write([]string{"/mnt/a/plots"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("config written to %s, want under %s", path, dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "'/mnt/a/plots'") {
		t.Fatalf("unexpected contents:\n%s", data)
	}
}
