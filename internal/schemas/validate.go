package schemas

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const chunkSchema = `{
  "type": "object",
  "required": ["backend_type"],
  "properties": {
    "name": {"type": "string"},
    "template": {"type": "string"},
    "backend_type": {"type": "string", "minLength": 1},
    "media_type": {"type": "string", "enum": ["text", "image", "audio", "music", "video"]},
    "output_format": {"type": "string"},
    "model": {"type": "string"},
    "role": {"type": "string"},
    "output_key": {"type": "string"},
    "instruction_type": {"type": "string", "enum": ["artistic_transformation", "passthrough", ""]},
    "required_placeholders": {"type": "array", "items": {"type": "string"}},
    "parameters": {"type": "object"},
    "workflow": {"type": "object"},
    "input_mappings": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["node_id", "field"],
        "properties": {
          "node_id": {"type": "string", "minLength": 1},
          "field": {"type": "string", "minLength": 1},
          "source": {"type": "string"}
        }
      }
    },
    "python_chunk": {"type": "string"},
    "endpoint": {"type": "string"}
  }
}`

const pipelineSchema = `{
  "type": "object",
  "required": ["chunks"],
  "properties": {
    "name": {"type": "string"},
    "pipeline_type": {"type": "string"},
    "chunks": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "skip_stage2": {"type": "boolean"},
    "stage_hints": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 4}}
  }
}`

const configSchema = `{
  "type": "object",
  "required": ["pipeline"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": ["string", "object"]},
    "description": {"type": ["string", "object"]},
    "pipeline": {"type": "string", "minLength": 1},
    "context": {"type": ["string", "object"]},
    "parameters": {"type": "object"},
    "media_preferences": {"type": "object"},
    "properties": {"type": "array", "items": {"type": "string"}},
    "instruction_type": {"type": "string", "enum": ["artistic_transformation", "passthrough", ""]},
    "stage3_chunk": {"type": "string"},
    "media_type": {"type": "string"},
    "placeholders": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

const (
	docChunk    = "chunk"
	docPipeline = "pipeline"
	docConfig   = "config"
)

var (
	compileOnce sync.Once
	compiled    map[string]*gojsonschema.Schema
	compileErr  error
)

func compileSchemas() {
	compiled = map[string]*gojsonschema.Schema{}
	for kind, src := range map[string]string{
		docChunk:    chunkSchema,
		docPipeline: pipelineSchema,
		docConfig:   configSchema,
	} {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			compileErr = fmt.Errorf("failed to compile %s schema: %w", kind, err)
			return
		}
		compiled[kind] = s
	}
}

// ValidateDocument checks raw JSON against the schema for kind.
func ValidateDocument(kind string, data []byte) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}

	schema, ok := compiled[kind]
	if !ok {
		return fmt.Errorf("no schema for document kind %q", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	if result.Valid() {
		return nil
	}

	ve := &ValidationError{}
	for _, re := range result.Errors() {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   re.Field(),
			Message: re.Description(),
		})
	}
	return ve
}
