// Package tools holds helpers shared by agent tool implementations.
package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the parameter schema of T. Definitions are inlined
// and the $schema/$id keys are dropped so the result can be offered to a
// model verbatim.
func SchemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(new(T))
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflected schemas only hold marshalable values.
		panic(err)
	}
	return raw
}
