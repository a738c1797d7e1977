package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArguments(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
			"days": map[string]any{"type": "integer"},
			"unit": map[string]any{"type": "string", "enum": []any{"c", "f"}},
		},
	}

	assert.NoError(t, ValidateArguments(map[string]any{"city": "Berlin", "days": float64(3), "extra": true}, schema))

	err := ValidateArguments(map[string]any{"days": float64(1)}, schema)
	var aerr *ArgumentError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "city", aerr.Field)

	err = ValidateArguments(map[string]any{"city": "Berlin", "days": 1.5}, schema)
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "days", aerr.Field)

	err = ValidateArguments(map[string]any{"city": "Berlin", "unit": "k"}, schema)
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "unit", aerr.Field)

	assert.NoError(t, ValidateArguments(map[string]any{"x": 1}, nil))
}

func TestValidateArguments_ReportsEveryViolation(t *testing.T) {
	schema := map[string]any{
		"required": []string{"q"},
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer"},
			"mode":  map[string]any{"type": "string", "enum": []any{"fast"}},
		},
	}
	err := ValidateArguments(map[string]any{"limit": "ten", "mode": "slow"}, schema)
	require.Error(t, err)
	assert.Equal(t, "argument \"q\": required argument is missing\n"+
		"argument \"limit\": expected integer, got string\n"+
		"argument \"mode\": must be one of [fast]", err.Error())
}

func TestApplyFilters(t *testing.T) {
	out, err := ApplyFilters("  ava LOVELACE ", "trim", "title")
	require.NoError(t, err)
	assert.Equal(t, "Ava lovelace", out)

	_, err = ApplyFilters("x", "shout")
	assert.Error(t, err)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "a, b", Stringify([]any{"a", "b"}))
	assert.Equal(t, "a, b", Stringify([]string{"a", "b"}))
	assert.Equal(t, "42", Stringify(42))
}
