package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const visionSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["items"],
  "properties": {
    "statement_date": {"type": ["string", "null"]},
    "vendor_name": {"type": ["string", "null"]},
    "total_amount": {"type": ["number", "null"]},
    "tax_amount": {"type": ["number", "null"]},
    "grand_total": {"type": ["number", "null"]},
    "raw_text": {"type": ["string", "null"]},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["item_name"],
        "properties": {
          "line_number": {"type": ["integer", "null"], "minimum": 0},
          "item_name": {"type": "string", "minLength": 1},
          "specification": {"type": ["string", "null"]},
          "quantity": {"type": ["number", "null"]},
          "unit_price": {"type": ["number", "null"]},
          "amount": {"type": ["number", "null"]},
          "tax_amount": {"type": ["number", "null"]},
          "po_number": {"type": ["string", "null"]},
          "remark": {"type": ["string", "null"]},
          "confidence": {"enum": ["low", "med", "medium", "high", null]}
        }
      }
    },
    "po_ranges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["po_number", "from_line", "to_line", "source"],
        "properties": {
          "po_number": {"type": "string"},
          "from_line": {"type": "integer", "minimum": 1},
          "to_line": {"type": "integer", "minimum": 1},
          "source": {"enum": ["bracket", "handwriting_range", "margin_range"]},
          "confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

var (
	visionSchemaOnce sync.Once
	visionSchema     *jsonschema.Schema
	visionSchemaErr  error
)

func compiledVisionSchema() (*jsonschema.Schema, error) {
	visionSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("vision.json", strings.NewReader(visionSchemaJSON)); err != nil {
			visionSchemaErr = err
			return
		}
		visionSchema, visionSchemaErr = compiler.Compile("vision.json")
	})
	return visionSchema, visionSchemaErr
}

// ValidateVisionJSON checks a vision collaborator reply against the expected
// document shape.
func ValidateVisionJSON(raw []byte) error {
	schema, err := compiledVisionSchema()
	if err != nil {
		return fmt.Errorf("extraction: compile schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: vision reply is not JSON: %v", ErrParse, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w: %v", ErrParse, ErrSchema, err)
	}
	return nil
}
