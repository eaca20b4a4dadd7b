package violation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

// Schema names.
const (
	SchemaEvent           = "event"
	SchemaSecurity        = "security"
	SchemaEnvironmentScan = "environment_scan"
)

const schemaBaseURL = "https://examguard.local/schema/"

// Validator checks request bodies against the embedded JSON schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	names := []string{SchemaEvent, SchemaSecurity, SchemaEnvironmentScan}
	for _, name := range names {
		data, err := schemaFS.ReadFile("schema/" + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name+".schema.json", bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := compiler.Compile(schemaBaseURL + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate decodes r as JSON and validates it against the named schema.
// The decoded document is returned so callers do not have to re-read the body.
func (v *Validator) Validate(name string, r io.Reader) (any, error) {
	s, ok := v.schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema: %s", name)
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ValidateBytes is Validate over an in-memory body.
func (v *Validator) ValidateBytes(name string, body []byte) error {
	_, err := v.Validate(name, bytes.NewReader(body))
	return err
}
