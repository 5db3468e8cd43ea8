package gateway

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func testSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"location": map[string]interface{}{"type": "string"},
			"days":     map[string]interface{}{"type": "integer"},
			"factor":   map[string]interface{}{"type": "number"},
			"verbose":  map[string]interface{}{"type": "boolean"},
			"tags":     map[string]interface{}{"type": "array"},
			"options":  map[string]interface{}{"type": "object"},
		},
		Required: []string{"location"},
	}
}

func TestValidateArgs(t *testing.T) {
	schema := testSchema()

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr string
	}{
		{
			"valid minimal",
			map[string]interface{}{"location": "Warsaw"},
			"",
		},
		{
			"valid full",
			map[string]interface{}{
				"location": "Warsaw",
				"days":     float64(3),
				"factor":   1.5,
				"verbose":  true,
				"tags":     []interface{}{"a"},
				"options":  map[string]interface{}{"k": "v"},
			},
			"",
		},
		{
			"missing required",
			map[string]interface{}{"days": float64(3)},
			`missing required argument "location"`,
		},
		{
			"wrong string type",
			map[string]interface{}{"location": 42},
			`argument "location" must be of type string`,
		},
		{
			"fractional integer",
			map[string]interface{}{"location": "Warsaw", "days": 1.5},
			`argument "days" must be of type integer`,
		},
		{
			"integral float accepted as integer",
			map[string]interface{}{"location": "Warsaw", "days": float64(3)},
			"",
		},
		{
			"wrong boolean type",
			map[string]interface{}{"location": "Warsaw", "verbose": "yes"},
			`argument "verbose" must be of type boolean`,
		},
		{
			"wrong array type",
			map[string]interface{}{"location": "Warsaw", "tags": "a,b"},
			`argument "tags" must be of type array`,
		},
		{
			"wrong object type",
			map[string]interface{}{"location": "Warsaw", "options": "{}"},
			`argument "options" must be of type object`,
		},
		{
			"unknown argument passes through",
			map[string]interface{}{"location": "Warsaw", "extra": 1},
			"",
		},
		{
			"nil optional value passes",
			map[string]interface{}{"location": "Warsaw", "days": nil},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateArgs(schema, tt.args)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateArgsEmptySchema(t *testing.T) {
	err := validateArgs(mcp.ToolInputSchema{Type: "object"}, map[string]interface{}{"anything": 1})
	assert.NoError(t, err)
}
