package gateway

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// validateArgs checks tool arguments against the stored input schema before
// anything is exchanged or forwarded: required fields must be present and
// declared primitive types must match. Deeper schema features (nested
// objects, enums, formats) are the downstream server's to enforce.
func validateArgs(schema mcp.ToolInputSchema, args map[string]interface{}) error {
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}

	for name, value := range args {
		raw, ok := schema.Properties[name]
		if !ok {
			// Unknown arguments pass through; the downstream schema is the
			// source of truth for additionalProperties handling.
			continue
		}
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		declared, ok := prop["type"].(string)
		if !ok || value == nil {
			continue
		}
		if err := checkType(name, declared, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name, declared string, value interface{}) error {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return typeError(name, declared, value)
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32:
		default:
			return typeError(name, declared, value)
		}
	case "integer":
		switch v := value.(type) {
		case int, int64, int32:
		case float64:
			// JSON numbers decode as float64; accept integral values.
			if v != float64(int64(v)) {
				return typeError(name, declared, value)
			}
		default:
			return typeError(name, declared, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeError(name, declared, value)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return typeError(name, declared, value)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return typeError(name, declared, value)
		}
	}
	return nil
}

func typeError(name, declared string, value interface{}) error {
	return fmt.Errorf("argument %q must be of type %s, got %T", name, declared, value)
}
