package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestNoSchemaAlwaysPasses(t *testing.T) {
	v := NewValidator()
	assert.Nil(t, v.Validate("anything", map[string]interface{}{"x": 1}))
}

func TestRequiredFields(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("search", &Schema{
		Type:     "object",
		Required: []string{"query", "limit"},
	}))

	errs := v.Validate("search", map[string]interface{}{"query": "go"})
	require.Len(t, errs, 1)
	assert.Equal(t, "limit", errs[0].Path)
	assert.Equal(t, "required field missing", errs[0].Message)

	assert.Nil(t, v.Validate("search", map[string]interface{}{"query": "go", "limit": 5}))
}

func TestNilArgsStillReportRequired(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("t", &Schema{Type: "object", Required: []string{"a", "b"}}))
	assert.Len(t, v.Validate("t", nil), 2)
}

func TestTypeChecks(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("t", &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"name":  {Type: "string"},
			"count": {Type: "number"},
			"union": {Type: []interface{}{"string", "number"}},
		},
	}))

	errs := v.Validate("t", map[string]interface{}{"name": 42})
	require.Len(t, errs, 1)
	assert.Equal(t, "name", errs[0].Path)

	assert.Nil(t, v.Validate("t", map[string]interface{}{"union": "ok"}))
	assert.Nil(t, v.Validate("t", map[string]interface{}{"union": 3.5}))
	assert.Len(t, v.Validate("t", map[string]interface{}{"union": true}), 1)
}

func TestStringConstraints(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("t", &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"code": {Type: "string", MinLength: intPtr(2), MaxLength: intPtr(4), Pattern: "^[A-Z]+$"},
		},
	}))

	assert.Nil(t, v.Validate("t", map[string]interface{}{"code": "ABC"}))
	assert.Len(t, v.Validate("t", map[string]interface{}{"code": "A"}), 1)
	assert.Len(t, v.Validate("t", map[string]interface{}{"code": "ABCDE"}), 1)
	assert.Len(t, v.Validate("t", map[string]interface{}{"code": "abc"}), 1)
}

func TestNumericRangeAndEnum(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("t", &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"pct":  {Type: "number", Minimum: floatPtr(0), Maximum: floatPtr(100)},
			"mode": {Type: "string", Enum: []interface{}{"fast", "slow"}},
		},
	}))

	assert.Nil(t, v.Validate("t", map[string]interface{}{"pct": 50.0, "mode": "fast"}))
	assert.Len(t, v.Validate("t", map[string]interface{}{"pct": -1.0}), 1)
	assert.Len(t, v.Validate("t", map[string]interface{}{"pct": 101.0}), 1)
	assert.Len(t, v.Validate("t", map[string]interface{}{"mode": "medium"}), 1)
}

func TestArrayItems(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("t", &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"tags": {
				Type:     "array",
				MinItems: intPtr(1),
				MaxItems: intPtr(3),
				Items:    &Schema{Type: "string"},
			},
		},
	}))

	assert.Nil(t, v.Validate("t", map[string]interface{}{"tags": []interface{}{"a", "b"}}))
	assert.Len(t, v.Validate("t", map[string]interface{}{"tags": []interface{}{}}), 1)

	errs := v.Validate("t", map[string]interface{}{"tags": []interface{}{"a", 2}})
	require.Len(t, errs, 1)
	assert.Equal(t, "tags[1]", errs[0].Path)
}

func TestNestedObjectPaths(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("t", &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"filter": {
				Type:     "object",
				Required: []string{"field"},
				Properties: map[string]*Schema{
					"field": {Type: "string"},
				},
			},
		},
	}))

	errs := v.Validate("t", map[string]interface{}{"filter": map[string]interface{}{}})
	require.Len(t, errs, 1)
	assert.Equal(t, "filter.field", errs[0].Path)
}

func TestBadPatternRejectedAtRegistration(t *testing.T) {
	v := NewValidator()
	err := v.Register("t", &Schema{
		Type:       "object",
		Properties: map[string]*Schema{"x": {Type: "string", Pattern: "["}},
	})
	require.Error(t, err)
	_, ok := v.Get("t")
	assert.False(t, ok)
}

func TestStatsCountValidationsAndFailures(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("t", &Schema{Type: "object", Required: []string{"a"}}))

	v.Validate("t", map[string]interface{}{"a": 1})
	v.Validate("t", map[string]interface{}{})

	st := v.Stats()["t"]
	assert.Equal(t, int64(2), st.Validations)
	assert.Equal(t, int64(1), st.Failures)
}

func TestUnregisterAndSnapshotRoundTrip(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("a", &Schema{Type: "object"}))
	require.NoError(t, v.Register("b", &Schema{Type: "object", Required: []string{"x"}}))

	assert.True(t, v.Unregister("a"))
	assert.False(t, v.Unregister("a"))

	snap := v.Snapshot()
	require.Len(t, snap, 1)

	fresh := NewValidator()
	fresh.Restore(snap)
	assert.Len(t, fresh.Validate("b", map[string]interface{}{}), 1)
}
