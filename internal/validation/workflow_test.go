package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/pkg/schema"
)

func newTestValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Deps{}))
	wv, err := NewWorkflowValidator(reg)
	require.NoError(t, err)
	return wv
}

func issueAt(result *schema.ValidationResult, path string) *schema.ValidationIssue {
	for i := range result.Errors {
		if result.Errors[i].Path == path {
			return &result.Errors[i]
		}
	}
	return nil
}

const deviceWorkflow = `
name: Quarantine stale devices
source:
  type: DeviceCheckin
  connector_id: jamf
  condition:
    criteria:
      - attributes:
          - type: Date
            attribute: "::last_contact"
            operator: before
            value: "2024-01-01T00:00:00Z"
  transform:
    serial: "::serial_number"
on_error:
  max_retries: 2
actions:
  - type: GetComputer
    connector_id: jamf
    order: 1
    on_error:
      max_retries: 3
      retry_on: ["429", "503"]
    parameters:
      computer_id: "::serial"
  - type: Flexli:CoreV1:Iterator
    order: 2
    parameters:
      array_path: "::groups"
      actions:
        - type: AddToGroup
          connector_id: jamf
          order: 1
        - type: Flexli:CoreV1:Wait
          order: 2
          parameters:
            seconds: 5
  - type: Flexli:CoreV1:Branch
    order: 3
    parameters:
      branches:
        - order: 1
          condition:
            criteria:
              - attributes:
                  - type: Number
                    attribute: "::disk_free"
                    operator: lt
                    value: 10
          actions:
            - type: Flexli:CoreV1:CustomEvent
              order: 1
              parameters:
                event_type: LowDisk
        - order: 2
          actions:
            - type: Flexli:CoreV1:Transform
              order: 1
              transform:
                ok: true
`

func TestLoad_ValidWorkflow(t *testing.T) {
	wv := newTestValidator(t)

	wf, result, err := wv.Load([]byte(deviceWorkflow))
	require.NoError(t, err)
	require.True(t, result.Valid(), "%v", result.Errors)
	require.Len(t, wf.Actions, 3)

	first := wf.Actions[0]
	assert.Equal(t, DefaultActionTimeout, first.Timeout)
	require.NotNil(t, first.WaitForCallback)
	assert.True(t, *first.WaitForCallback)
	require.NotNil(t, first.OnError.Backoff)
	assert.Equal(t, 3.0, first.OnError.Backoff.Wait)
	assert.Equal(t, 1.5, first.OnError.Backoff.Rate)

	require.NotNil(t, wf.OnError.Backoff)
	assert.Equal(t, 30.0, wf.OnError.Backoff.Wait)
	assert.Equal(t, 2.5, wf.OnError.Backoff.Rate)

	// Defaults reach actions nested in an Iterator.
	nested, err := actions.DecodeActions(wf.Actions[1].Parameters["actions"])
	require.NoError(t, err)
	assert.Equal(t, DefaultActionTimeout, nested[0].Timeout)
	assert.Zero(t, nested[1].Timeout)

	// A loaded workflow still passes the struct-level check.
	assert.NoError(t, wv.ValidateWorkflow(wf))
}

func TestLoad_JSONDocument(t *testing.T) {
	wv := newTestValidator(t)
	doc := `{"name":"json","actions":[{"type":"Flexli:CoreV1:Wait","order":1,"parameters":{"seconds":1}}]}`
	wf, result, err := wv.Load([]byte(doc))
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, "json", wf.Name)
}

func TestLoad_StructuralFailureShortCircuits(t *testing.T) {
	wv := newTestValidator(t)
	wf, result, err := wv.Load([]byte("name: x\nsteps: []\nactions: []\n"))
	require.NoError(t, err)
	assert.Nil(t, wf)
	assert.False(t, result.Valid())
}

func TestLoad_BadYAML(t *testing.T) {
	wv := newTestValidator(t)
	_, _, err := wv.Load([]byte("name: [unclosed"))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, _, err = wv.Load([]byte(""))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidate_Nil(t *testing.T) {
	wv := newTestValidator(t)
	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func loadRules(t *testing.T, doc string) *schema.ValidationResult {
	t.Helper()
	_, result, err := newTestValidator(t).Load([]byte(strings.TrimSpace(doc)))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestRules_ActionLists(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		path string
	}{
		{
			name: "duplicate order",
			doc: `
name: dup
actions:
  - {type: A, connector_id: c, order: 1}
  - {type: B, connector_id: c, order: 1}`,
			path: "/actions/1/order",
		},
		{
			name: "duplicate order in iterator",
			doc: `
name: dup
actions:
  - type: Flexli:CoreV1:Iterator
    order: 1
    parameters:
      array_path: "::items"
      actions:
        - {type: A, connector_id: c, order: 2}
        - {type: B, connector_id: c, order: 2}`,
			path: "/actions/0/parameters/actions/1/order",
		},
		{
			name: "nested iterator",
			doc: `
name: nested
actions:
  - type: Flexli:CoreV1:Iterator
    order: 1
    parameters:
      array_path: "::items"
      actions:
        - type: Flexli:CoreV1:Iterator
          order: 1
          parameters:
            array_path: "::more"
            actions: [{type: A, connector_id: c, order: 1}]`,
			path: "/actions/0/parameters",
		},
		{
			name: "iterator inside a branch inside an iterator",
			doc: `
name: nested
actions:
  - type: Flexli:CoreV1:Iterator
    order: 1
    parameters:
      array_path: "::items"
      actions:
        - type: Flexli:CoreV1:Branch
          order: 1
          parameters:
            branches:
              - order: 1
                actions:
                  - type: Flexli:CoreV1:Iterator
                    order: 1
                    parameters:
                      array_path: "::more"
                      actions: [{type: A, connector_id: c, order: 1}]`,
			path: "/actions/0/parameters/actions/0/parameters/branches/0/actions/0/type",
		},
		{
			name: "connector type not alphanumeric",
			doc: `
name: t
actions:
  - {type: "Get-Computer", connector_id: c, order: 1}`,
			path: "/actions/0/type",
		},
		{
			name: "connector action without connector",
			doc: `
name: t
actions:
  - {type: GetComputer, order: 1}`,
			path: "/actions/0/connector_id",
		},
		{
			name: "unknown built-in",
			doc: `
name: t
actions:
  - {type: "Flexli:CoreV1:Teleport", order: 1}`,
			path: "/actions/0/type",
		},
		{
			name: "on_error on built-in",
			doc: `
name: t
actions:
  - type: Flexli:CoreV1:Wait
    order: 1
    on_error: {max_retries: 1}
    parameters: {seconds: 1}`,
			path: "/actions/0/on_error",
		},
		{
			name: "custom event body without content type",
			doc: `
name: t
actions:
  - type: Flexli:CoreV1:CustomEvent
    order: 1
    parameters: {event_type: X, body: {a: 1}}`,
			path: "/actions/0/parameters",
		},
		{
			name: "iterator with transform",
			doc: `
name: t
actions:
  - type: Flexli:CoreV1:Iterator
    order: 1
    transform: {a: "::b"}
    parameters:
      array_path: "::items"
      actions: [{type: A, connector_id: c, order: 1}]`,
			path: "/actions/0/transform",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := loadRules(t, tc.doc)
			assert.False(t, result.Valid())
			assert.NotNil(t, issueAt(result, tc.path), "errors: %v", result.Errors)
		})
	}
}

func TestRules_Sources(t *testing.T) {
	cases := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"cron", `{name: s, source: {type: "Flexli:CoreV1:Schedule", parameters: {cron: "0 9 * * 1"}}, actions: [{type: A, connector_id: c, order: 1}]}`, true},
		{"rate", `{name: s, source: {type: "Flexli:CoreV1:Schedule", parameters: {rate: "15 minutes"}}, actions: [{type: A, connector_id: c, order: 1}]}`, true},
		{"cron and rate", `{name: s, source: {type: "Flexli:CoreV1:Schedule", parameters: {cron: "0 9 * * 1", rate: "1 day"}}, actions: [{type: A, connector_id: c, order: 1}]}`, false},
		{"neither", `{name: s, source: {type: "Flexli:CoreV1:Schedule", parameters: {}}, actions: [{type: A, connector_id: c, order: 1}]}`, false},
		{"bad cron", `{name: s, source: {type: "Flexli:CoreV1:Schedule", parameters: {cron: "0 25 * * *"}}, actions: [{type: A, connector_id: c, order: 1}]}`, false},
		{"bad rate", `{name: s, source: {type: "Flexli:CoreV1:Schedule", parameters: {rate: "2 weeks"}}, actions: [{type: A, connector_id: c, order: 1}]}`, false},
		{"custom event", `{name: s, source: {type: "Flexli:CoreV1:CustomEvent", parameters: {event_type: Ready}}, actions: [{type: A, connector_id: c, order: 1}]}`, true},
		{"custom event without type", `{name: s, source: {type: "Flexli:CoreV1:CustomEvent", parameters: {}}, actions: [{type: A, connector_id: c, order: 1}]}`, false},
		{"connector event without connector", `{name: s, source: {type: DeviceCheckin}, actions: [{type: A, connector_id: c, order: 1}]}`, false},
		{"unknown core source", `{name: s, source: {type: "Flexli:CoreV1:Webhook"}, actions: [{type: A, connector_id: c, order: 1}]}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := loadRules(t, tc.doc)
			assert.Equal(t, tc.valid, result.Valid(), "errors: %v", result.Errors)
		})
	}
}

func TestCheckValue(t *testing.T) {
	cases := []struct {
		name  string
		typ   schema.AttributeType
		value any
		ok    bool
	}{
		{"string literal", schema.AttributeString, "abc", true},
		{"string needs string", schema.AttributeString, 1, false},
		{"number literal", schema.AttributeNumber, 3.5, true},
		{"number expression", schema.AttributeNumber, "::limit", true},
		{"number plain string", schema.AttributeNumber, "10", false},
		{"boolean literal", schema.AttributeBoolean, false, true},
		{"boolean plain string", schema.AttributeBoolean, "true", false},
		{"boolean number", schema.AttributeBoolean, 1, false},
		{"date literal", schema.AttributeDate, "2024-01-01", true},
		{"date expression", schema.AttributeDate, "::flexli_datetime_now()", true},
		{"date garbage", schema.AttributeDate, "tomorrow", false},
		{"version literal", schema.AttributeVersion, "14.2.1", true},
		{"version number", schema.AttributeVersion, 14, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, checkValue(tc.typ, tc.value) == "")
		})
	}
}

func TestRules_ConditionOperatorByType(t *testing.T) {
	result := &schema.ValidationResult{}
	validateCondition(&schema.Condition{Criteria: []schema.Criteria{{
		Attributes: []schema.Attribute{
			{Type: schema.AttributeBoolean, Attribute: "::enabled", Operator: "gt", Value: true},
			{Type: schema.AttributeString, Attribute: "::name", Operator: "starts_with", Value: "mac"},
		},
	}}}, "/condition", result)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "/condition/criteria/0/attributes/0/operator", result.Errors[0].Path)
}

func TestValidateWorkflow_ReturnsError(t *testing.T) {
	wv := newTestValidator(t)
	err := wv.ValidateWorkflow(&schema.Workflow{
		Name:    "dup",
		Actions: []schema.Action{{Type: "A", ConnectorID: "c", Order: 1}, {Type: "B", ConnectorID: "c", Order: 1}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestRules_TransformWithoutTransformWarns(t *testing.T) {
	result := loadRules(t, `
name: relabel
actions:
  - type: Flexli:CoreV1:Transform
    order: 1
    parameters:
      id: "::general.id"`)

	assert.True(t, result.Valid(), "%v", result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "/actions/0/transform", result.Warnings[0].Path)
}
