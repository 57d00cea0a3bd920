package flow

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

// DecodeDocument parses a flow document written as YAML or JSON. Unknown fields are
// rejected so that a misspelled key does not silently drop a step setting.
func DecodeDocument(data []byte) (models.FlowDocument, error) {
	var doc models.FlowDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return models.FlowDocument{}, fmt.Errorf("failed to decode flow document: %w", err)
	}
	return doc, nil
}

// LoadDocumentFile reads and decodes a flow document from disk.
func LoadDocumentFile(path string) (models.FlowDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.FlowDocument{}, fmt.Errorf("failed to read flow document %s: %w", path, err)
	}
	return DecodeDocument(data)
}
