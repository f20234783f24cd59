package export

import (
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLExporter writes the transcript as a YAML document.
type YAMLExporter struct{}

// Export writes t to w.
func (e *YAMLExporter) Export(t *Transcript, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	return enc.Encode(t)
}

// Extension returns the file extension for this format.
func (e *YAMLExporter) Extension() string {
	return "yaml"
}
