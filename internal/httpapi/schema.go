package httpapi

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const chatEventSchemaURL = "https://flowrelay.dev/schema/chat_event.json"

//go:embed schema/chat_event.json
var chatEventSchemaJSON string

type eventValidator struct {
	schema *jsonschema.Schema
}

func newEventValidator() (*eventValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chatEventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(chatEventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	sch, err := c.Compile(chatEventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &eventValidator{schema: sch}, nil
}

// Validate reports whether body is a JSON document shaped like a chat callback.
func (v *eventValidator) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("event does not match schema: %w", err)
	}
	return nil
}
