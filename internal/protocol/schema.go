package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed message.schema.json
var messageSchemaJSON []byte

const (
	messageSchemaURL = "message.schema.json"
	batchSchemaURL   = "batch.schema.json"
)

var (
	schemaOnce    sync.Once
	messageSchema *jsonschema.Schema
	batchSchema   *jsonschema.Schema
	schemaErr     error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(messageSchemaURL, bytes.NewReader(messageSchemaJSON)); err != nil {
		schemaErr = fmt.Errorf("add message schema: %w", err)
		return
	}
	batch := fmt.Sprintf(`{"type":"array","minItems":1,"items":{"$ref":%q}}`, messageSchemaURL)
	if err := c.AddResource(batchSchemaURL, bytes.NewReader([]byte(batch))); err != nil {
		schemaErr = fmt.Errorf("add batch schema: %w", err)
		return
	}
	if messageSchema, schemaErr = c.Compile(messageSchemaURL); schemaErr != nil {
		return
	}
	batchSchema, schemaErr = c.Compile(batchSchemaURL)
}

// validateSchema checks a raw payload against the message schema.
func validateSchema(payload []byte, batched bool) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return fmt.Errorf("protocol: schema: %w", schemaErr)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	s := messageSchema
	if batched {
		s = batchSchema
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
