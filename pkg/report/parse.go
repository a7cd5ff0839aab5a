package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://careflow.mindburn.dev/schemas/report.schema.json"

const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "form", "holder_id", "reported_at"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "form": {"type": "string", "minLength": 1},
    "holder_id": {"type": "string", "minLength": 1},
    "reported_at": {"type": "string", "format": "date-time"},
    "fields": {"type": "object"},
    "targets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["logical_type"],
        "properties": {
          "logical_type": {"type": "string", "minLength": 1},
          "group": {"type": "integer", "minimum": 0}
        },
        "additionalProperties": false
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(schemaURL, strings.NewReader(reportSchema)); err != nil {
			compileErr = fmt.Errorf("report schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Parse validates raw against the report schema and decodes it.
func Parse(raw []byte) (*Report, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	r.Normalize()
	return &r, nil
}
