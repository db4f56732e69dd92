package runtime

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
)

func builtinTests() map[string]TestFunc {
	tests := map[string]TestFunc{
		"defined":      testDefined,
		"undefined":    testUndefined,
		"none":         testNone,
		"boolean":      testBoolean,
		"true":         testTrue,
		"false":        testFalse,
		"number":       testNumber,
		"integer":      testInteger,
		"float":        testFloat,
		"string":       testString,
		"mapping":      testMapping,
		"sequence":     testSequence,
		"iterable":     testIterable,
		"callable":     testCallable,
		"sameas":       testSameas,
		"escaped":      testEscaped,
		"lower":        testLower,
		"upper":        testUpper,
		"even":         testEven,
		"odd":          testOdd,
		"divisibleby":  testDivisibleby,
		"in":           testIn,
		"filter":       testFilter,
		"test":         testTest,
		"matching":     testMatching,
		"startingwith": testStartingwith,
		"endingwith":   testEndingwith,
	}
	for _, op := range []struct {
		op      string
		aliases []string
	}{
		{"eq", []string{"==", "equalto"}},
		{"ne", []string{"!="}},
		{"lt", []string{"<", "lessthan"}},
		{"lteq", []string{"<=", "le"}},
		{"gt", []string{">", "greaterthan"}},
		{"gteq", []string{">=", "ge"}},
	} {
		fn := comparisonTest(op.op)
		tests[op.op] = fn
		for _, alias := range op.aliases {
			tests[alias] = fn
		}
	}
	return tests
}

func comparisonTest(op string) TestFunc {
	return func(_ *Context, value interface{}, args ...interface{}) (bool, error) {
		_, args = extractKwargs(args)
		if len(args) == 0 {
			return false, fmt.Errorf("comparison test requires an argument")
		}
		return compareOp(op, value, args[0])
	}
}

func testDefined(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	return !isUndefinedValue(value), nil
}

func testUndefined(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	return isUndefinedValue(value), nil
}

func testNone(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	return value == nil, nil
}

func testBoolean(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	_, ok := value.(bool)
	return ok, nil
}

func testTrue(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	b, ok := value.(bool)
	return ok && b, nil
}

func testFalse(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	b, ok := value.(bool)
	return ok && !b, nil
}

func testNumber(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	_, ok := classifyNumber(value)
	return ok, nil
}

func testInteger(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	n, ok := classifyNumber(value)
	return ok && !n.isFloat(), nil
}

func testFloat(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	n, ok := classifyNumber(value)
	return ok && n.isFloat(), nil
}

func testString(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	_, ok := stringLike(value)
	return ok, nil
}

func testMapping(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	if value == nil {
		return false, nil
	}
	switch value.(type) {
	case Kwargs, *Namespace:
		return true, nil
	}
	return reflect.ValueOf(value).Kind() == reflect.Map, nil
}

func testSequence(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	if _, ok := stringLike(value); ok {
		return true, nil
	}
	if value == nil {
		return false, nil
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true, nil
	}
	return false, nil
}

func testIterable(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	if _, ok := stringLike(value); ok {
		return true, nil
	}
	if value == nil || isUndefinedValue(value) {
		return false, nil
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
		return true, nil
	}
	return false, nil
}

func testCallable(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	switch value.(type) {
	case Callable, GlobalFunc, FilterFunc, TestFunc:
		return true, nil
	}
	if value == nil {
		return false, nil
	}
	return reflect.ValueOf(value).Kind() == reflect.Func, nil
}

func testSameas(_ *Context, value interface{}, args ...interface{}) (bool, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return false, fmt.Errorf("sameas requires an argument")
	}
	other := args[0]
	if value == nil || other == nil {
		return value == nil && other == nil, nil
	}
	lv, rv := reflect.ValueOf(value), reflect.ValueOf(other)
	if lv.Type() != rv.Type() {
		return false, nil
	}
	switch lv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return lv.Pointer() == rv.Pointer(), nil
	}
	if lv.Type().Comparable() {
		return value == other, nil
	}
	return false, nil
}

func testEscaped(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	_, ok := value.(Markup)
	return ok, nil
}

func testLower(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	s, ok := stringLike(value)
	return ok && isLowerString(s), nil
}

func testUpper(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	s, ok := stringLike(value)
	return ok && isUpperString(s), nil
}

func testEven(_ *Context, value interface{}, _ ...interface{}) (bool, error) {
	n, ok := classifyNumber(value)
	if !ok || n.isFloat() {
		return false, fmt.Errorf("even test expects an integer, got %T", value)
	}
	return n.intValue%2 == 0, nil
}

func testOdd(ctx *Context, value interface{}, args ...interface{}) (bool, error) {
	even, err := testEven(ctx, value, args...)
	return !even, err
}

func testDivisibleby(_ *Context, value interface{}, args ...interface{}) (bool, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return false, fmt.Errorf("divisibleby requires a divisor")
	}
	n, ok := classifyNumber(value)
	d, dok := classifyNumber(args[0])
	if !ok || !dok {
		return false, fmt.Errorf("divisibleby expects numbers")
	}
	if d.isZero() {
		return false, fmt.Errorf("division by zero")
	}
	if n.isFloat() || d.isFloat() {
		return math.Mod(n.asFloat64(), d.asFloat64()) == 0, nil
	}
	return n.intValue%d.intValue == 0, nil
}

func testIn(_ *Context, value interface{}, args ...interface{}) (bool, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return false, fmt.Errorf("in test requires a container")
	}
	return contains(args[0], value)
}

func testFilter(ctx *Context, value interface{}, _ ...interface{}) (bool, error) {
	if ctx == nil || ctx.env == nil {
		return false, nil
	}
	_, ok := ctx.env.filter(toString(value))
	return ok, nil
}

func testTest(ctx *Context, value interface{}, _ ...interface{}) (bool, error) {
	if ctx == nil || ctx.env == nil {
		return false, nil
	}
	_, ok := ctx.env.test(toString(value))
	return ok, nil
}

func testMatching(_ *Context, value interface{}, args ...interface{}) (bool, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return false, fmt.Errorf("matching requires a pattern")
	}
	re, err := regexp.Compile(`^(?:` + toString(args[0]) + `)`)
	if err != nil {
		return false, err
	}
	return re.MatchString(toString(value)), nil
}

func testStartingwith(_ *Context, value interface{}, args ...interface{}) (bool, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return false, fmt.Errorf("startingwith requires a prefix")
	}
	return strings.HasPrefix(toString(value), toString(args[0])), nil
}

func testEndingwith(_ *Context, value interface{}, args ...interface{}) (bool, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return false, fmt.Errorf("endingwith requires a suffix")
	}
	return strings.HasSuffix(toString(value), toString(args[0])), nil
}
