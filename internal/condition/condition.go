// Package condition evaluates branch predicates of condition steps against a
// contact snapshot. Evaluation is pure and never fails: anything it does not
// understand evaluates to false.
package condition

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/foxzi/sendry-flow/internal/models"
)

// Type is the closed set of condition kinds
type Type string

const (
	TypeField      Type = "field"
	TypeHasTag     Type = "has_tag"
	TypeNotHasTag  Type = "not_has_tag"
	TypeInList     Type = "in_list"
	TypeNotInList  Type = "not_in_list"
	TypeEngagement Type = "engagement"
)

// Field operators
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
)

// Engagement metrics and comparison operators
const (
	MetricOpens  = "opens"
	MetricClicks = "clicks"

	CmpGTE = "gte"
	CmpGT  = "gt"
	CmpLTE = "lte"
	CmpLT  = "lt"
	CmpEQ  = "eq"
)

// Rule is the configuration of a condition step
type Rule struct {
	Type      Type   `json:"condition_type"`
	Field     string `json:"field,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Value     Scalar `json:"value,omitempty"`
	TagID     string `json:"tag_id,omitempty"`
	ListID    string `json:"list_id,omitempty"`
	Metric    string `json:"metric,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
}

// Scalar accepts a JSON string, number or boolean and keeps its text form
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*s = ""
	case float64:
		*s = Scalar(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*s = Scalar(strconv.FormatBool(x))
	default:
		*s = Scalar(data)
	}
	return nil
}

// Evaluate returns whether the contact satisfies the rule
func Evaluate(rule Rule, c *models.Contact) bool {
	if c == nil {
		return false
	}

	switch rule.Type {
	case TypeField:
		if rule.Field == "" {
			return false
		}
		value, _ := c.Field(rule.Field)
		return compareField(rule.Operator, value, string(rule.Value))
	case TypeHasTag:
		return rule.TagID != "" && c.HasTag(rule.TagID)
	case TypeNotHasTag:
		return rule.TagID != "" && !c.HasTag(rule.TagID)
	case TypeInList:
		return rule.ListID != "" && c.InList(rule.ListID)
	case TypeNotInList:
		return rule.ListID != "" && !c.InList(rule.ListID)
	case TypeEngagement:
		var actual int
		switch rule.Metric {
		case MetricOpens:
			actual = c.EmailsOpened
		case MetricClicks:
			actual = c.LinksClicked
		default:
			return false
		}
		return compareInt(rule.Operator, actual, rule.Threshold)
	default:
		return false
	}
}

// Branch maps an evaluation result to a branch label
func Branch(ok bool) string {
	if ok {
		return models.BranchYes
	}
	return models.BranchNo
}

// Text comparisons are case-insensitive.
func compareField(op, actual, expected string) bool {
	a := strings.ToLower(strings.TrimSpace(actual))
	e := strings.ToLower(strings.TrimSpace(expected))

	switch op {
	case OpEquals:
		return a == e
	case OpNotEquals:
		return a != e
	case OpContains:
		return strings.Contains(a, e)
	case OpNotContains:
		return !strings.Contains(a, e)
	case OpStartsWith:
		return strings.HasPrefix(a, e)
	case OpEndsWith:
		return strings.HasSuffix(a, e)
	case OpIsEmpty:
		return a == ""
	case OpIsNotEmpty:
		return a != ""
	case OpGreaterThan, OpLessThan:
		x, err1 := strconv.ParseFloat(a, 64)
		y, err2 := strconv.ParseFloat(e, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if op == OpGreaterThan {
			return x > y
		}
		return x < y
	default:
		return false
	}
}

func compareInt(op string, actual, threshold int) bool {
	switch op {
	case CmpGTE:
		return actual >= threshold
	case CmpGT:
		return actual > threshold
	case CmpLTE:
		return actual <= threshold
	case CmpLT:
		return actual < threshold
	case CmpEQ:
		return actual == threshold
	default:
		return false
	}
}
