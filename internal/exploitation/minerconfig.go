package exploitation

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed config_base.yaml
var baseConfig []byte

const plotDirsKey = "plot_dirs"

// ConfigWriter renders miner configuration files from a template.
type ConfigWriter struct {
	template string
	dir      string
}

// NewConfigWriter returns a writer using templatePath, or the embedded base
// configuration when templatePath is empty. Files are written under dir.
func NewConfigWriter(templatePath, dir string) *ConfigWriter {
	return &ConfigWriter{template: strings.TrimSpace(templatePath), dir: dir}
}

func (w *ConfigWriter) templateBytes() ([]byte, error) {
	if w.template == "" {
		return baseConfig, nil
	}
	data, err := os.ReadFile(w.template)
	if err != nil {
		return nil, fmt.Errorf("read miner config template: %w", err)
	}
	return data, nil
}

// Render returns the template with plot_dirs replaced by dirs. Every other
// key, comment and ordering of the template is preserved.
func (w *ConfigWriter) Render(dirs []string) ([]byte, error) {
	data, err := w.templateBytes()
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse miner config template: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("miner config template must be a YAML mapping")
	}
	root := doc.Content[0]

	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, dir := range dirs {
		seq.Content = append(seq.Content, &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!str",
			Value: dir,
			Style: yaml.SingleQuotedStyle,
		})
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == plotDirsKey {
			root.Content[i+1] = seq
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: plotDirsKey},
			seq,
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode miner config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode miner config: %w", err)
	}
	return buf.Bytes(), nil
}

// Write renders the configuration into a new temp file and returns its path.
// The caller removes the file once the miner has exited.
func (w *ConfigWriter) Write(dirs []string) (string, error) {
	data, err := w.Render(dirs)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create miner config directory: %w", err)
	}
	f, err := os.CreateTemp(w.dir, "miner-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create miner config: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write miner config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close miner config: %w", err)
	}
	return filepath.Clean(path), nil
}
