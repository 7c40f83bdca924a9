package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"threshold": {Type: TypeNumber, Default: 0.9, Minimum: ptr(0), Maximum: ptr(1)},
			"limit":     {Type: TypeInt, Default: 4, Minimum: ptr(1)},
			"mode":      {Type: TypeString, Default: "ai", Enum: []string{"ai", "human"}},
			"flag":      {Type: TypeBool, Default: true},
			"rules":     {Type: TypeString},
		},
		Required: []string{"rules"},
	}
}

func TestSchemaValidate_DefaultsApplied(t *testing.T) {
	out, err := testSchema().Validate(map[string]any{"rules": "security"})
	require.NoError(t, err)

	assert.Equal(t, 0.9, out["threshold"])
	assert.Equal(t, 4, out["limit"])
	assert.Equal(t, "ai", out["mode"])
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, "security", out["rules"])
}

func TestSchemaValidate_UnknownKey(t *testing.T) {
	_, err := testSchema().Validate(map[string]any{"rules": "r", "bogus": 1})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "bogus", cfgErr.Key)
}

func TestSchemaValidate_RequiredMissing(t *testing.T) {
	_, err := testSchema().Validate(map[string]any{})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "rules", cfgErr.Key)
}

func TestSchemaValidate_TypeChecks(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		key  string
	}{
		{"string_for_number", map[string]any{"rules": "r", "threshold": "high"}, "threshold"},
		{"fraction_for_int", map[string]any{"rules": "r", "limit": 2.5}, "limit"},
		{"int_for_bool", map[string]any{"rules": "r", "flag": 1}, "flag"},
		{"number_for_string", map[string]any{"rules": "r", "mode": 3}, "mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testSchema().Validate(tt.raw)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestSchemaValidate_EnumAndBounds(t *testing.T) {
	_, err := testSchema().Validate(map[string]any{"rules": "r", "mode": "manual"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "mode", cfgErr.Key)

	_, err = testSchema().Validate(map[string]any{"rules": "r", "threshold": 1.5})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "threshold", cfgErr.Key)

	_, err = testSchema().Validate(map[string]any{"rules": "r", "limit": 0})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "limit", cfgErr.Key)
}

func TestSchemaValidate_IntFromJSONFloat(t *testing.T) {
	// Round-tripping config through JSON turns ints into float64.
	out, err := testSchema().Validate(map[string]any{"rules": "r", "limit": float64(8)})
	require.NoError(t, err)
	assert.Equal(t, 8, out["limit"])
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{
		"name":  "dedup",
		"on":    true,
		"count": 3,
		"ratio": 0.75,
		"jsonN": float64(7),
	}

	assert.Equal(t, "dedup", cfg.String("name"))
	assert.True(t, cfg.Bool("on"))
	assert.Equal(t, 3, cfg.Int("count"))
	assert.Equal(t, 7, cfg.Int("jsonN"))
	assert.Equal(t, 0.75, cfg.Float("ratio"))
	assert.Equal(t, 3.0, cfg.Float("count"))

	assert.Equal(t, "", cfg.String("missing"))
	assert.False(t, cfg.Bool("missing"))
	assert.Equal(t, 0, cfg.Int("missing"))
}
