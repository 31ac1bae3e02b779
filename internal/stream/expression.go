package stream

import (
	"regexp"
	"strconv"
)

var (
	// binaryExpr is the whole expression grammar: operand OP operand, where
	// an operand is an event field name or a numeric literal.
	binaryExpr     = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_.]*|-?[0-9]+(?:\.[0-9]+)?)\s*([-+*/])\s*([A-Za-z_][A-Za-z0-9_.]*|-?[0-9]+(?:\.[0-9]+)?)\s*$`)
	numericLiteral = regexp.MustCompile(`^-?[0-9]+(?:\.[0-9]+)?$`)
)

// EvaluateExpression computes a restricted arithmetic expression over event
// fields. ok is false when the result is null. err is set when an operand is
// present but not numeric.
func EvaluateExpression(expr string, event Event) (any, bool, error) {
	match := binaryExpr.FindStringSubmatch(expr)
	if match == nil {
		value, ok := event[expr]
		if !ok || value == nil {
			return nil, false, nil
		}
		return value, true, nil
	}

	left, ok, err := operand(match[1], event)
	if err != nil || !ok {
		return nil, false, err
	}
	right, ok, err := operand(match[3], event)
	if err != nil || !ok {
		return nil, false, err
	}

	switch match[2] {
	case "+":
		return left + right, true, nil
	case "-":
		return left - right, true, nil
	case "*":
		return left * right, true, nil
	default:
		if right == 0 {
			return 0.0, true, nil
		}
		return left / right, true, nil
	}
}

func operand(token string, event Event) (float64, bool, error) {
	if numericLiteral.MatchString(token) {
		v, err := strconv.ParseFloat(token, 64)
		return v, err == nil, err
	}
	value, ok := event[token]
	if !ok || value == nil {
		return 0, false, nil
	}
	f, ok := toFloat(value)
	if !ok {
		return 0, false, &nonNumericError{field: token}
	}
	return f, true, nil
}

type nonNumericError struct{ field string }

func (e *nonNumericError) Error() string { return "field " + e.field + " is not numeric" }
