package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// JSONSchema returns the JSON Schema for the Config struct. Served over
// config.schema so editors can validate and complete clawdis.json.
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	reflector := jsonschema.Reflector{FieldNameTag: "json"}
	return json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
})
