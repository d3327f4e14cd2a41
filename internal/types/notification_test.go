package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func f64(v float64) *float64 { return &v }

func TestRuleParameter_Valid(t *testing.T) {
	cases := []struct {
		name  string
		param RuleParameter
		want  bool
	}{
		{"string always valid", RuleParameter{Type: ParamString, Value: "anything"}, true},
		{"untyped treated as string", RuleParameter{Value: "x"}, true},
		{"boolean true", RuleParameter{Type: ParamBoolean, Value: "true"}, true},
		{"boolean garbage", RuleParameter{Type: ParamBoolean, Value: "yep"}, false},
		{"integer in range", RuleParameter{Type: ParamInteger, Value: "5", Min: f64(1), Max: f64(10)}, true},
		{"integer below min", RuleParameter{Type: ParamInteger, Value: "0", Min: f64(1)}, false},
		{"integer above max", RuleParameter{Type: ParamInteger, Value: "11", Max: f64(10)}, false},
		{"integer not a number", RuleParameter{Type: ParamInteger, Value: "1.5"}, false},
		{"float in range", RuleParameter{Type: ParamFloat, Value: "0.25", Min: f64(0), Max: f64(1)}, true},
		{"float garbage", RuleParameter{Type: ParamFloat, Value: "abc"}, false},
		{"balance big decimal", RuleParameter{Type: ParamBalance, Value: "123456789012345678901234567890"}, true},
		{"balance negative", RuleParameter{Type: ParamBalance, Value: "-1"}, false},
		{"balance garbage", RuleParameter{Type: ParamBalance, Value: "1,000"}, false},
		{"unknown type", RuleParameter{Type: "duration", Value: "5s"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.param.Valid())
		})
	}
}

func TestNotificationRule_ParametersValid(t *testing.T) {
	rule := NotificationRule{Parameters: []RuleParameter{
		{Type: ParamInteger, Value: "3"},
		{Type: ParamBoolean, Value: "false"},
	}}
	assert.True(t, rule.ParametersValid())

	rule.Parameters = append(rule.Parameters, RuleParameter{Type: ParamInteger, Value: "oops"})
	assert.False(t, rule.ParametersValid(), "one invalid parameter invalidates the rule")
}
