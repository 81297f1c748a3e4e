package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ConfigStore reads, validates and writes plugin global configuration files.
type ConfigStore interface {
	// Read loads the file at path. A non-empty schema is enforced and
	// violations are returned as *ValidationError.
	Read(path string, schema json.RawMessage) (json.RawMessage, error)
	// Validate checks data against schema. An empty schema accepts anything.
	Validate(data, schema json.RawMessage) ([]FieldError, error)
	// Write validates data and, when valid, replaces the file at path.
	// Field errors are returned without touching the file.
	Write(path string, data, schema json.RawMessage) ([]FieldError, error)
}

// FileConfigStore is the filesystem ConfigStore.
type FileConfigStore struct {
	logger zerolog.Logger
}

// NewFileConfigStore creates a new file-backed config store
func NewFileConfigStore(logger zerolog.Logger) *FileConfigStore {
	return &FileConfigStore{
		logger: logger.With().Str("component", "config-store").Logger(),
	}
}

func (s *FileConfigStore) Read(path string, schema json.RawMessage) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("config %s is not valid JSON", path)
	}

	errs, err := s.Validate(data, schema)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to compact config %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func (s *FileConfigStore) Validate(data, schema json.RawMessage) ([]FieldError, error) {
	return validateAgainstSchema(data, schema)
}

func (s *FileConfigStore) Write(path string, data, schema json.RawMessage) ([]FieldError, error) {
	errs, err := s.Validate(data, schema)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return errs, nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to format config: %w", err)
	}
	buf.WriteByte('\n')

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("path", path).Msg("Wrote plugin config")
	return nil, nil
}

// schemaRootField is the Field() gojsonschema reports for the document root.
const schemaRootField = "(root)"

// validateAgainstSchema runs gojsonschema and maps result errors to FieldErrors.
func validateAgainstSchema(data, schema json.RawMessage) ([]FieldError, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, toFieldError(re))
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs, nil
}

func toFieldError(re gojsonschema.ResultError) FieldError {
	details := map[string]any{}
	for k, v := range re.Details() {
		if k == "context" || k == "field" {
			continue
		}
		details[k] = v
	}

	field := re.Field()
	// Missing properties are reported against their parent; point at the property itself.
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok {
			if field == schemaRootField {
				field = prop
			} else {
				field = field + "." + prop
			}
		}
	}
	if len(details) == 0 {
		details = nil
	}

	return FieldError{
		Field:      field,
		MessageKey: "validation." + re.Type(),
		Details:    details,
	}
}
