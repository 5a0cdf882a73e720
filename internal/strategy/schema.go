package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed program_schema.json
var programSchemaJSON string

var (
	compileOnce   sync.Once
	programSchema *jsonschema.Schema
	compileErr    error
)

// ProgramSchema returns the compiled JSON Schema for strategy programs.
func ProgramSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("program_schema.json", strings.NewReader(programSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("program_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile program schema: %w", err)
			return
		}
		programSchema = schema
	})
	return programSchema, compileErr
}

// ValidateProgramDocument validates the provided JSON bytes against the program schema.
func ValidateProgramDocument(data []byte) error {
	schema, err := ProgramSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("program is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("program does not match schema: %w", err)
	}
	return nil
}
