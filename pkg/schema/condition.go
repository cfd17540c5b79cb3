package schema

// OnFail is the runner's reaction to a failed action condition.
type OnFail string

const (
	OnFailSkip OnFail = "skip"
	OnFailStop OnFail = "stop"
	OnFailFail OnFail = "fail"
)

// Logical operators joining criteria and attributes.
const (
	OperatorAnd = "and"
	OperatorOr  = "or"
)

// AttributeType selects the comparison semantics of an Attribute.
type AttributeType string

const (
	AttributeString  AttributeType = "String"
	AttributeNumber  AttributeType = "Number"
	AttributeBoolean AttributeType = "Boolean"
	AttributeDate    AttributeType = "Date"
	AttributeVersion AttributeType = "Version"
)

// AttributeOperators lists the operators each attribute type accepts.
var AttributeOperators = map[AttributeType][]string{
	AttributeString:  {"eq", "ne", "lt", "lte", "gt", "gte", "starts_with"},
	AttributeNumber:  {"eq", "ne", "lt", "lte", "gt", "gte"},
	AttributeBoolean: {"eq", "ne"},
	AttributeDate:    {"before", "after"},
	AttributeVersion: {"eq", "ne", "lt", "lte", "gt", "gte"},
}

// Condition gates a source or an action.
type Condition struct {
	Operator string     `json:"operator,omitempty" yaml:"operator,omitempty" mapstructure:"operator"`
	Criteria []Criteria `json:"criteria" yaml:"criteria" mapstructure:"criteria"`
	OnFail   OnFail     `json:"on_fail,omitempty" yaml:"on_fail,omitempty" mapstructure:"on_fail"`
}

// Criteria is one group of attribute comparisons.
type Criteria struct {
	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty" mapstructure:"operator"`
	Attributes []Attribute `json:"attributes" yaml:"attributes" mapstructure:"attributes"`
}

// Attribute compares the values found at an expression path against Value.
type Attribute struct {
	Type      AttributeType `json:"type" yaml:"type" mapstructure:"type"`
	Attribute string        `json:"attribute" yaml:"attribute" mapstructure:"attribute"`
	Operator  string        `json:"operator" yaml:"operator" mapstructure:"operator"`
	Value     any           `json:"value" yaml:"value" mapstructure:"value"`
}

// EffectiveOperator returns the condition operator, defaulting to "and".
func (c *Condition) EffectiveOperator() string {
	if c.Operator == "" {
		return OperatorAnd
	}
	return c.Operator
}

// EffectiveOnFail returns the on_fail policy, defaulting to "fail".
func (c *Condition) EffectiveOnFail() OnFail {
	if c.OnFail == "" {
		return OnFailFail
	}
	return c.OnFail
}

// EffectiveOperator returns the criteria operator, defaulting to "and".
func (c *Criteria) EffectiveOperator() string {
	if c.Operator == "" {
		return OperatorAnd
	}
	return c.Operator
}
