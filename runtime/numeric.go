package runtime

import (
	"fmt"
	"math"
	"strings"
)

type numberKind int

const (
	numberInteger numberKind = iota
	numberFloat
)

type numberValue struct {
	kind       numberKind
	intValue   int64
	floatValue float64
	plainInt   bool
}

func classifyNumber(value interface{}) (numberValue, bool) {
	switch v := value.(type) {
	case int:
		return numberValue{kind: numberInteger, intValue: int64(v), floatValue: float64(v), plainInt: true}, true
	case int8:
		return intNumber(int64(v)), true
	case int16:
		return intNumber(int64(v)), true
	case int32:
		return intNumber(int64(v)), true
	case int64:
		return intNumber(v), true
	case uint:
		return classifyUnsigned(uint64(v))
	case uint8:
		return classifyUnsigned(uint64(v))
	case uint16:
		return classifyUnsigned(uint64(v))
	case uint32:
		return classifyUnsigned(uint64(v))
	case uint64:
		return classifyUnsigned(v)
	case float32:
		return numberValue{kind: numberFloat, floatValue: float64(v)}, true
	case float64:
		return numberValue{kind: numberFloat, floatValue: v}, true
	case bool:
		if v {
			return intNumber(1), true
		}
		return intNumber(0), true
	default:
		return numberValue{}, false
	}
}

func intNumber(v int64) numberValue {
	return numberValue{kind: numberInteger, intValue: v, floatValue: float64(v)}
}

func classifyUnsigned(v uint64) (numberValue, bool) {
	if v <= uint64(math.MaxInt64) {
		return intNumber(int64(v)), true
	}
	return numberValue{kind: numberFloat, floatValue: float64(v)}, true
}

func (n numberValue) asFloat64() float64 {
	return n.floatValue
}

func (n numberValue) isFloat() bool {
	return n.kind == numberFloat
}

func (n numberValue) isZero() bool {
	if n.kind == numberFloat {
		return n.floatValue == 0
	}
	return n.intValue == 0
}

// integerResult keeps plain ints as int so values that came in from Go code
// keep their type where possible.
func integerResult(v int64, l, r numberValue) interface{} {
	if l.plainInt && r.plainInt {
		return int(v)
	}
	return v
}

func unsupportedOperands(op string, left, right interface{}) error {
	return fmt.Errorf("unsupported operand types for %s: '%T' and '%T'", op, left, right)
}

// binaryArithmetic applies one of the arithmetic operators.
func binaryArithmetic(op string, left, right interface{}) (interface{}, error) {
	if op == "+" {
		if ls, ok := stringLike(left); ok {
			rs, ok := stringLike(right)
			if !ok {
				return nil, unsupportedOperands(op, left, right)
			}
			if _, safe := left.(Markup); safe {
				if _, rsafe := right.(Markup); !rsafe {
					return Markup(ls + string(escapeString(rs))), nil
				}
				return Markup(ls + rs), nil
			}
			return ls + rs, nil
		}
		if ll, ok := left.([]interface{}); ok {
			rl, err := toSlice(right)
			if err != nil {
				return nil, unsupportedOperands(op, left, right)
			}
			return append(append([]interface{}(nil), ll...), rl...), nil
		}
	}
	if op == "*" {
		if s, ok := stringLike(left); ok {
			if n, ok := toInt(right); ok {
				return strings.Repeat(s, max(n, 0)), nil
			}
		}
		if l, ok := left.([]interface{}); ok {
			if n, ok := toInt(right); ok {
				result := make([]interface{}, 0, len(l)*max(n, 0))
				for i := 0; i < n; i++ {
					result = append(result, l...)
				}
				return result, nil
			}
		}
	}
	if op == "%" {
		if s, ok := stringLike(left); ok {
			args, isList := right.([]interface{})
			if !isList {
				if m, isMap := toStringInterfaceMap(right); isMap {
					args = []interface{}{Kwargs(m)}
				} else {
					args = []interface{}{right}
				}
			}
			return formatPercent(s, args)
		}
	}

	ln, lok := classifyNumber(left)
	rn, rok := classifyNumber(right)
	if !lok || !rok {
		return nil, unsupportedOperands(op, left, right)
	}
	useFloat := ln.isFloat() || rn.isFloat()

	switch op {
	case "+":
		if useFloat {
			return ln.asFloat64() + rn.asFloat64(), nil
		}
		return integerResult(ln.intValue+rn.intValue, ln, rn), nil
	case "-":
		if useFloat {
			return ln.asFloat64() - rn.asFloat64(), nil
		}
		return integerResult(ln.intValue-rn.intValue, ln, rn), nil
	case "*":
		if useFloat {
			return ln.asFloat64() * rn.asFloat64(), nil
		}
		return integerResult(ln.intValue*rn.intValue, ln, rn), nil
	case "/":
		if rn.isZero() {
			return nil, fmt.Errorf("division by zero")
		}
		return ln.asFloat64() / rn.asFloat64(), nil
	case "//":
		if rn.isZero() {
			return nil, fmt.Errorf("integer division or modulo by zero")
		}
		if useFloat {
			return math.Floor(ln.asFloat64() / rn.asFloat64()), nil
		}
		q := ln.intValue / rn.intValue
		if (ln.intValue%rn.intValue != 0) && ((ln.intValue < 0) != (rn.intValue < 0)) {
			q--
		}
		return integerResult(q, ln, rn), nil
	case "%":
		if rn.isZero() {
			return nil, fmt.Errorf("integer division or modulo by zero")
		}
		if useFloat {
			m := math.Mod(ln.asFloat64(), rn.asFloat64())
			if m != 0 && (m < 0) != (rn.asFloat64() < 0) {
				m += rn.asFloat64()
			}
			return m, nil
		}
		m := ln.intValue % rn.intValue
		if m != 0 && (m < 0) != (rn.intValue < 0) {
			m += rn.intValue
		}
		return integerResult(m, ln, rn), nil
	case "**":
		if useFloat || rn.intValue < 0 {
			return math.Pow(ln.asFloat64(), rn.asFloat64()), nil
		}
		result := int64(1)
		for i := int64(0); i < rn.intValue; i++ {
			result *= ln.intValue
		}
		return integerResult(result, ln, rn), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func negate(operand interface{}) (interface{}, error) {
	n, ok := classifyNumber(operand)
	if !ok {
		return nil, fmt.Errorf("bad operand type for unary -: '%T'", operand)
	}
	if n.isFloat() {
		return -n.floatValue, nil
	}
	return integerResult(-n.intValue, n, n), nil
}
