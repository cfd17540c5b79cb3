package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexli/flexli/pkg/schema"
)

var computerParams = map[string]any{
	"type":     "object",
	"required": []any{"computer_id"},
	"properties": map[string]any{
		"computer_id": map[string]any{"type": "string", "minLength": 1},
		"section":     map[string]any{"enum": []any{"GENERAL", "HARDWARE"}},
		"page":        map[string]any{"type": "integer", "minimum": 0},
	},
	"additionalProperties": false,
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.workflowSchema)
}

func TestValidateParams(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	cases := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"computer_id": "42", "section": "GENERAL", "page": 1}, false},
		{"float page from JSON", map[string]any{"computer_id": "42", "page": float64(3)}, false},
		{"missing required", map[string]any{"section": "GENERAL"}, true},
		{"wrong type", map[string]any{"computer_id": 42}, true},
		{"not in enum", map[string]any{"computer_id": "42", "section": "DISKS"}, true},
		{"unknown property", map[string]any{"computer_id": "42", "extra": true}, true},
		{"nil params", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateParams(tc.params, computerParams)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
		})
	}
}

func TestValidateParams_ViolationDetails(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateParams(map[string]any{"computer_id": 1, "page": -1}, computerParams)
	require.Error(t, err)
	var fe *schema.FlexliError
	require.ErrorAs(t, err, &fe)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
	assert.Contains(t, fe.Message, "2 errors")
}

func TestValidateParams_EmptySchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NoError(t, v.ValidateParams(map[string]any{"anything": 1}, nil))
	assert.NoError(t, v.ValidateParams(nil, map[string]any{}))
}

func TestValidateParams_InvalidSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	err = v.ValidateParams(map[string]any{}, map[string]any{"type": "no-such-type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid parameter schema")
}

func TestValidateParams_CacheIsShared(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = v.ValidateParams(map[string]any{"computer_id": "1"}, computerParams)
		}()
	}
	wg.Wait()
	assert.Len(t, v.cache, 1)
}

func TestValidateDocument(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	valid := func() map[string]any {
		return map[string]any{
			"name": "Lock lost devices",
			"actions": []any{
				map[string]any{"type": "LockDevice", "connector_id": "jamf", "order": 1},
			},
		}
	}
	require.NoError(t, v.ValidateDocument(valid()))

	cases := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{"unknown field", func(d map[string]any) { d["steps"] = []any{} }},
		{"no actions", func(d map[string]any) { d["actions"] = []any{} }},
		{"order out of range", func(d map[string]any) {
			d["actions"].([]any)[0].(map[string]any)["order"] = 101
		}},
		{"timeout out of range", func(d map[string]any) {
			d["actions"].([]any)[0].(map[string]any)["timeout"] = 121
		}},
		{"too many retries", func(d map[string]any) {
			d["actions"].([]any)[0].(map[string]any)["on_error"] = map[string]any{"max_retries": 11}
		}},
		{"retry_on not a status", func(d map[string]any) {
			d["actions"].([]any)[0].(map[string]any)["on_error"] = map[string]any{"max_retries": 2, "retry_on": []any{"teapot"}}
		}},
		{"attribute not an expression", func(d map[string]any) {
			d["actions"].([]any)[0].(map[string]any)["condition"] = map[string]any{
				"criteria": []any{map[string]any{"attributes": []any{map[string]any{
					"type": "String", "attribute": "serial", "operator": "eq", "value": "x",
				}}}},
			}
		}},
		{"bad on_fail", func(d map[string]any) {
			d["actions"].([]any)[0].(map[string]any)["condition"] = map[string]any{
				"on_fail": "ignore",
				"criteria": []any{map[string]any{"attributes": []any{map[string]any{
					"type": "String", "attribute": "::serial", "operator": "eq", "value": "x",
				}}}},
			}
		}},
		{"nested transform value", func(d map[string]any) {
			d["actions"].([]any)[0].(map[string]any)["transform"] = map[string]any{"a": map[string]any{}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := valid()
			tc.mutate(doc)
			err := v.ValidateDocument(doc)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
		})
	}
}

func TestValidateWorkflow_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.Error(t, v.ValidateWorkflow(nil))
}
