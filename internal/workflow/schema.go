package workflow

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fentz26/gatekeep/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://gatekeep.local/schemas/"

// compileSchemas compiles one schema per stage from the embedded files.
func compileSchemas() (map[models.Stage]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", e.Name(), err)
		}
	}

	out := make(map[models.Stage]*jsonschema.Schema, len(models.Stages))
	for _, st := range models.Stages {
		s, err := c.Compile(schemaBase + string(st) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", st, err)
		}
		out[st] = s
	}
	return out, nil
}

// validateRecord checks rec against the schema for its stage.
func (m *Machine) validateRecord(rec *models.Record) error {
	schema, ok := m.schemas[rec.Stage]
	if !ok {
		return &models.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", rec.Stage)}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return &models.ValidationError{Reason: err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &models.ValidationError{Reason: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := deepestCause(ve)
			return &models.ValidationError{Field: fieldName(leaf.InstanceLocation), Reason: leaf.Message}
		}
		return &models.ValidationError{Reason: err.Error()}
	}
	return nil
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// fieldName turns a JSON pointer like /approval/rejection_reason into
// approval.rejection_reason.
func fieldName(ptr string) string {
	return strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
}
