package rollup

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aegisrisk/aegis-core/pkg/domain"
)

const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["dimensions", "measures"],
  "properties": {
    "dimensions": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "filters": {
      "type": "object",
      "additionalProperties": {
        "anyOf": [
          {"type": ["string", "number", "boolean", "null"]},
          {"type": "array", "items": {"type": ["string", "number", "boolean", "null"]}}
        ]
      }
    },
    "measures": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "op"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "op": {"enum": ["sum", "count"]},
          "field": {"type": "string", "minLength": 1}
        },
        "if": {"properties": {"op": {"const": "sum"}}},
        "then": {"required": ["field"]}
      }
    }
  }
}`

var configSchema = mustCompileConfigSchema()

func mustCompileConfigSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://aegisrisk.schemas.local/rollup/config.schema.json"
	if err := c.AddResource(url, strings.NewReader(configSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// ValidateConfig checks a rollup configuration against the config schema
// before any aggregation runs with it.
func ValidateConfig(cfg *domain.RollupConfig) error {
	raw, err := json.Marshal(map[string]interface{}{
		"dimensions": cfg.Dimensions,
		"filters":    cfg.Filters,
		"measures":   cfg.Measures,
	})
	if err != nil {
		return fmt.Errorf("rollup: encode config: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("rollup: decode config: %w", err)
	}
	if err := configSchema.Validate(decoded); err != nil {
		return fmt.Errorf("rollup: invalid config: %w", err)
	}
	return nil
}
