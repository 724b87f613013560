package ipc

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://geofenced.invalid/schemas/"

// payloadSchemas maps request types to the schema their payload must satisfy.
var payloadSchemas = map[MessageType]string{
	MsgSetConfiguration: "set_configuration.json",
	MsgInjectFix:        "inject_fix.json",
	MsgSetNetwork:       "set_network.json",
}

var (
	schemasOnce sync.Once
	schemas     map[MessageType]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	for _, name := range payloadSchemas {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemasErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(schemaBaseURL+name, bytes.NewReader(data)); err != nil {
			schemasErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
	}

	compiled := make(map[MessageType]*jsonschema.Schema, len(payloadSchemas))
	for msgType, name := range payloadSchemas {
		schema, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[msgType] = schema
	}
	schemas = compiled
}

// ValidatePayload checks payload against the schema registered for msgType.
// Types without a schema are accepted.
func ValidatePayload(msgType MessageType, payload []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}

	schema, ok := schemas[msgType]
	if !ok {
		return nil
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return schema.Validate(instance)
}
