package runtime

import (
	"fmt"
	"html"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/deicod/asyncjinja/nodes"
)

// Markup is a string that is safe for output and is never escaped.
type Markup string

func (m Markup) String() string { return string(m) }

// Kwargs carries keyword arguments when a call reaches a FilterFunc, TestFunc
// or GlobalFunc. It is always the last argument.
type Kwargs map[string]interface{}

// attributeSource is implemented by runtime objects that expose attributes
// to templates (loop, namespace, module, cycler).
type attributeSource interface {
	GetAttr(name string) (interface{}, bool)
}

func escapeString(s string) Markup {
	return Markup(html.EscapeString(s))
}

// stringify renders a value as output text. Strict undefined values fail.
func stringify(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case Markup:
		return string(v), nil
	case undefinedType:
		return v.ToString()
	case bool:
		if v {
			return "True", nil
		}
		return "False", nil
	case float64:
		return formatFloat(v), nil
	case float32:
		return formatFloat(float64(v)), nil
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = reprValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case fmt.Stringer:
		return v.String(), nil
	case error:
		return v.Error(), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

// toString is the lenient form used by filters: undefined renders empty.
func toString(value interface{}) string {
	s, err := stringify(value)
	if err != nil {
		return ""
	}
	return s
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func reprValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
	case Markup:
		return "'" + string(v) + "'"
	case nil:
		return "None"
	default:
		return toString(v)
	}
}

func isTruthy(value interface{}) bool {
	if value == nil || isUndefinedValue(value) {
		return false
	}

	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != ""
	case Markup:
		return v != ""
	}

	if n, ok := classifyNumber(value); ok {
		return !n.isZero()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// toSlice converts an iterable value into a slice. Maps yield their keys in
// sorted order.
func toSlice(value interface{}) ([]interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	case []string:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = item
		}
		return result, nil
	case string:
		result := make([]interface{}, 0, len(v))
		for _, r := range v {
			result = append(result, string(r))
		}
		return result, nil
	case Markup:
		return toSlice(string(v))
	case StrictUndefined:
		return nil, NewUndefinedError(v.name, nodes.Position{}, nil)
	case undefinedType:
		return nil, nil
	case *Namespace:
		return mapKeys(v.Items()), nil
	case *Module:
		return mapKeys(v.vars), nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		result := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			result[i] = rv.Index(i).Interface()
		}
		return result, nil
	case reflect.Map:
		keys := rv.MapKeys()
		result := make([]interface{}, len(keys))
		for i, key := range keys {
			result[i] = key.Interface()
		}
		sortValues(result)
		return result, nil
	case reflect.Chan:
		var result []interface{}
		for {
			item, ok := rv.Recv()
			if !ok {
				return result, nil
			}
			result = append(result, item.Interface())
		}
	}
	return nil, fmt.Errorf("'%T' object is not iterable", value)
}

func mapKeys(m map[string]interface{}) []interface{} {
	keys := make([]interface{}, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortValues(keys)
	return keys
}

func sortValues(items []interface{}) {
	sort.SliceStable(items, func(i, j int) bool {
		cmp, err := compareOrdered(items[i], items[j])
		if err != nil {
			return toString(items[i]) < toString(items[j])
		}
		return cmp < 0
	})
}

// toStringInterfaceMap converts any string-keyed map into a generic map.
func toStringInterfaceMap(value interface{}) (map[string]interface{}, bool) {
	switch m := value.(type) {
	case map[string]interface{}:
		return m, true
	case Kwargs:
		return m, true
	case *Namespace:
		return m.Items(), true
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() || val.Kind() != reflect.Map || val.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	result := make(map[string]interface{}, val.Len())
	for _, key := range val.MapKeys() {
		result[key.String()] = val.MapIndex(key).Interface()
	}
	return result, true
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		return i, err == nil
	case bool:
		return 0, false
	}
	n, ok := classifyNumber(value)
	if !ok {
		return 0, false
	}
	if n.isFloat() {
		return int(n.floatValue), true
	}
	return int(n.intValue), true
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case Markup:
		return toFloat64(string(v))
	}
	n, ok := classifyNumber(value)
	if !ok {
		return 0, false
	}
	return n.asFloat64(), true
}

// getAttr implements attribute lookup (obj.name). Missing attributes fall
// back to item lookup and finally yield an undefined value.
func (c *Context) getAttr(obj interface{}, name string) (interface{}, error) {
	if obj == nil {
		return c.undefined(name), nil
	}
	if s, ok := obj.(StrictUndefined); ok {
		return nil, NewUndefinedError(s.name+"."+name, nodes.Position{}, nil)
	}
	if isUndefinedValue(obj) {
		return c.undefined(name), nil
	}
	if c.env != nil && c.env.policy != nil && !c.env.policy.IsSafeAttribute(obj, name) {
		return nil, NewSecurityError("attribute", fmt.Sprintf("access to attribute '%s' of '%T' object is unsafe", name, obj), nodes.Position{}, nil)
	}

	if src, ok := obj.(attributeSource); ok {
		if value, found := src.GetAttr(name); found {
			return value, nil
		}
		return c.undefined(name), nil
	}

	if method, ok := builtinMethod(obj, name); ok {
		return method, nil
	}

	rv := reflect.ValueOf(obj)
	if method := rv.MethodByName(name); method.IsValid() && method.CanInterface() {
		return method.Interface(), nil
	}

	base := rv
	for base.Kind() == reflect.Ptr || base.Kind() == reflect.Interface {
		if base.IsNil() {
			return c.undefined(name), nil
		}
		base = base.Elem()
	}

	switch base.Kind() {
	case reflect.Struct:
		if field := base.FieldByName(name); field.IsValid() && field.CanInterface() {
			return field.Interface(), nil
		}
		if field, ok := fieldByTag(base, name); ok {
			return field, nil
		}
	case reflect.Map:
		if base.Type().Key().Kind() == reflect.String {
			key := reflect.ValueOf(name).Convert(base.Type().Key())
			if value := base.MapIndex(key); value.IsValid() {
				return value.Interface(), nil
			}
		}
	}

	return c.undefined(name), nil
}

func fieldByTag(rv reflect.Value, name string) (interface{}, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		for _, tag := range []string{"jinja", "json"} {
			if tagName, _, _ := strings.Cut(field.Tag.Get(tag), ","); tagName == name {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

// getItem implements subscription (obj[key]). String keys fall back to
// attribute lookup.
func (c *Context) getItem(obj, key interface{}) (interface{}, error) {
	if s, ok := obj.(StrictUndefined); ok {
		return nil, NewUndefinedError(s.name, nodes.Position{}, nil)
	}
	if obj == nil || isUndefinedValue(obj) {
		return c.undefined(toString(key)), nil
	}
	if slice, ok := key.(*sliceSpec); ok {
		return applySlice(obj, slice)
	}

	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return c.undefined(toString(key)), nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if key == nil {
			break
		}
		kv := reflect.ValueOf(key)
		if kv.Type().ConvertibleTo(rv.Type().Key()) {
			if value := rv.MapIndex(kv.Convert(rv.Type().Key())); value.IsValid() {
				return value.Interface(), nil
			}
		}
		return c.undefined(toString(key)), nil
	case reflect.Slice, reflect.Array, reflect.String:
		idx, ok := key.(int)
		if !ok {
			if n, isNum := classifyNumber(key); isNum && !n.isFloat() {
				idx, ok = int(n.intValue), true
			}
		}
		if !ok {
			if name, isStr := key.(string); isStr {
				return c.getAttr(obj, name)
			}
			return nil, fmt.Errorf("indices must be integers, not %T", key)
		}
		if rv.Kind() == reflect.String {
			runes := []rune(rv.String())
			if idx < 0 {
				idx += len(runes)
			}
			if idx < 0 || idx >= len(runes) {
				return c.undefined(strconv.Itoa(idx)), nil
			}
			return string(runes[idx]), nil
		}
		if idx < 0 {
			idx += rv.Len()
		}
		if idx < 0 || idx >= rv.Len() {
			return c.undefined(strconv.Itoa(idx)), nil
		}
		return rv.Index(idx).Interface(), nil
	}

	if name, ok := key.(string); ok {
		return c.getAttr(obj, name)
	}
	return c.undefined(toString(key)), nil
}

type sliceSpec struct {
	start, stop, step interface{}
}

func applySlice(obj interface{}, spec *sliceSpec) (interface{}, error) {
	var items []interface{}
	var runes []rune
	isString := false

	switch v := obj.(type) {
	case string:
		runes, isString = []rune(v), true
	case Markup:
		runes, isString = []rune(string(v)), true
	default:
		var err error
		items, err = toSlice(obj)
		if err != nil {
			return nil, err
		}
	}

	length := len(items)
	if isString {
		length = len(runes)
	}

	step := 1
	if spec.step != nil {
		s, ok := toInt(spec.step)
		if !ok || s == 0 {
			return nil, fmt.Errorf("slice step must be a non-zero integer")
		}
		step = s
	}

	bound := func(value interface{}, def int) int {
		if value == nil {
			return def
		}
		i, ok := toInt(value)
		if !ok {
			return def
		}
		if i < 0 {
			i += length
		}
		if step > 0 {
			return clampInt(i, 0, length)
		}
		return clampInt(i, -1, length-1)
	}

	var start, stop int
	if step > 0 {
		start, stop = bound(spec.start, 0), bound(spec.stop, length)
	} else {
		start, stop = bound(spec.start, length-1), bound(spec.stop, -1)
	}

	var indices []int
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		indices = append(indices, i)
	}

	if isString {
		var b strings.Builder
		for _, i := range indices {
			b.WriteRune(runes[i])
		}
		if _, ok := obj.(Markup); ok {
			return Markup(b.String()), nil
		}
		return b.String(), nil
	}
	result := make([]interface{}, len(indices))
	for n, i := range indices {
		result[n] = items[i]
	}
	return result, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// valuesEqual compares two template values, treating all numbers alike.
func valuesEqual(left, right interface{}) bool {
	if ln, ok := classifyNumber(left); ok {
		if rn, ok := classifyNumber(right); ok {
			if ln.isFloat() || rn.isFloat() {
				return ln.asFloat64() == rn.asFloat64()
			}
			return ln.intValue == rn.intValue
		}
	}
	if ls, ok := stringLike(left); ok {
		if rs, ok := stringLike(right); ok {
			return ls == rs
		}
	}
	if isUndefinedValue(left) || isUndefinedValue(right) {
		return isUndefinedValue(left) && isUndefinedValue(right)
	}
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	lt, rt := reflect.TypeOf(left), reflect.TypeOf(right)
	if lt.Comparable() && rt.Comparable() && lt == rt {
		return left == right
	}
	return reflect.DeepEqual(left, right)
}

func stringLike(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case Markup:
		return string(v), true
	}
	return "", false
}

// compareOrdered returns -1, 0 or 1 for values that have an ordering.
func compareOrdered(left, right interface{}) (int, error) {
	if ln, ok := classifyNumber(left); ok {
		if rn, ok := classifyNumber(right); ok {
			if ln.isFloat() || rn.isFloat() {
				return compareFloats(ln.asFloat64(), rn.asFloat64()), nil
			}
			switch {
			case ln.intValue < rn.intValue:
				return -1, nil
			case ln.intValue > rn.intValue:
				return 1, nil
			}
			return 0, nil
		}
	}
	if ls, ok := stringLike(left); ok {
		if rs, ok := stringLike(right); ok {
			return strings.Compare(ls, rs), nil
		}
	}
	if ll, ok := left.([]interface{}); ok {
		if rl, ok := right.([]interface{}); ok {
			for i := 0; i < len(ll) && i < len(rl); i++ {
				cmp, err := compareOrdered(ll[i], rl[i])
				if err != nil || cmp != 0 {
					return cmp, err
				}
			}
			return compareFloats(float64(len(ll)), float64(len(rl))), nil
		}
	}
	return 0, fmt.Errorf("'<' not supported between instances of '%T' and '%T'", left, right)
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// contains implements the "in" operator.
func contains(container, item interface{}) (bool, error) {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, toString(item)), nil
	case Markup:
		return strings.Contains(string(c), toString(item)), nil
	case nil:
		return false, nil
	}
	if isUndefinedValue(container) {
		return false, nil
	}

	rv := reflect.ValueOf(container)
	if rv.Kind() == reflect.Map {
		if item == nil {
			return false, nil
		}
		kv := reflect.ValueOf(item)
		if !kv.Type().ConvertibleTo(rv.Type().Key()) {
			return false, nil
		}
		return rv.MapIndex(kv.Convert(rv.Type().Key())).IsValid(), nil
	}

	items, err := toSlice(container)
	if err != nil {
		return false, fmt.Errorf("argument of type '%T' is not iterable", container)
	}
	for _, candidate := range items {
		if valuesEqual(candidate, item) {
			return true, nil
		}
	}
	return false, nil
}

// length returns the length of sized values.
func length(value interface{}) (int, bool) {
	switch v := value.(type) {
	case string:
		return len([]rune(v)), true
	case Markup:
		return len([]rune(string(v))), true
	case *Namespace:
		return len(v.Items()), true
	case *Module:
		return len(v.vars), true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
		return rv.Len(), true
	}
	return 0, false
}

// builtinMethod exposes the handful of Python-style methods templates use on
// plain strings and mappings.
func builtinMethod(obj interface{}, name string) (GlobalFunc, bool) {
	if s, ok := stringLike(obj); ok {
		return stringMethod(s, name)
	}
	m, ok := toStringInterfaceMap(obj)
	if !ok {
		return nil, false
	}
	if _, isMap := obj.(*Namespace); isMap {
		return nil, false
	}

	switch name {
	case "items":
		return func(*Context, ...interface{}) (interface{}, error) {
			keys := mapKeys(m)
			items := make([]interface{}, len(keys))
			for i, k := range keys {
				items[i] = []interface{}{k, m[k.(string)]}
			}
			return items, nil
		}, true
	case "keys":
		return func(*Context, ...interface{}) (interface{}, error) {
			return mapKeys(m), nil
		}, true
	case "values":
		return func(*Context, ...interface{}) (interface{}, error) {
			keys := mapKeys(m)
			values := make([]interface{}, len(keys))
			for i, k := range keys {
				values[i] = m[k.(string)]
			}
			return values, nil
		}, true
	case "get":
		return func(_ *Context, args ...interface{}) (interface{}, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("get expected at least 1 argument")
			}
			if value, ok := m[toString(args[0])]; ok {
				return value, nil
			}
			if len(args) > 1 {
				return args[1], nil
			}
			return nil, nil
		}, true
	}
	return nil, false
}

func stringMethod(s, name string) (GlobalFunc, bool) {
	unary := func(fn func(string) string) (GlobalFunc, bool) {
		return func(*Context, ...interface{}) (interface{}, error) { return fn(s), nil }, true
	}

	switch name {
	case "upper":
		return unary(strings.ToUpper)
	case "lower":
		return unary(strings.ToLower)
	case "strip":
		return unary(strings.TrimSpace)
	case "title":
		return unary(titleCase)
	case "capitalize":
		return unary(capitalize)
	case "startswith":
		return func(_ *Context, args ...interface{}) (interface{}, error) {
			return len(args) > 0 && strings.HasPrefix(s, toString(args[0])), nil
		}, true
	case "endswith":
		return func(_ *Context, args ...interface{}) (interface{}, error) {
			return len(args) > 0 && strings.HasSuffix(s, toString(args[0])), nil
		}, true
	case "replace":
		return func(_ *Context, args ...interface{}) (interface{}, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("replace expected 2 arguments")
			}
			return strings.ReplaceAll(s, toString(args[0]), toString(args[1])), nil
		}, true
	case "split":
		return func(_ *Context, args ...interface{}) (interface{}, error) {
			var parts []string
			if len(args) > 0 && args[0] != nil {
				parts = strings.Split(s, toString(args[0]))
			} else {
				parts = strings.Fields(s)
			}
			result := make([]interface{}, len(parts))
			for i, p := range parts {
				result[i] = p
			}
			return result, nil
		}, true
	case "join":
		return func(_ *Context, args ...interface{}) (interface{}, error) {
			if len(args) == 0 {
				return s, nil
			}
			items, err := toSlice(args[0])
			if err != nil {
				return nil, err
			}
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = toString(item)
			}
			return strings.Join(parts, s), nil
		}, true
	case "format":
		return func(_ *Context, args ...interface{}) (interface{}, error) {
			return formatPercent(s, args)
		}, true
	}
	return nil, false
}

func titleCase(s string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if upperNext {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			upperNext = false
			continue
		}
		upperNext = true
		b.WriteRune(r)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// formatPercent applies printf-style formatting the way the format filter
// does: %s, %d, %f and friends map onto fmt verbs.
func formatPercent(format string, args []interface{}) (string, error) {
	kwargs, args := extractKwargs(args)
	if len(kwargs) > 0 && len(args) == 0 {
		var b strings.Builder
		for i := 0; i < len(format); i++ {
			if format[i] == '%' && i+1 < len(format) && format[i+1] == '(' {
				end := strings.IndexByte(format[i:], ')')
				if end > 0 && i+end+1 < len(format) {
					name := format[i+2 : i+end]
					verb := format[i+end+1]
					b.WriteString(formatVerb(verb, kwargs[name]))
					i += end + 1
					continue
				}
			}
			b.WriteByte(format[i])
		}
		return b.String(), nil
	}

	var b strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		j := i + 1
		for j < len(format) && strings.IndexByte("0123456789.-+ #", format[j]) >= 0 {
			j++
		}
		if j >= len(format) {
			b.WriteString(format[i:])
			break
		}
		if format[j] == '%' {
			b.WriteByte('%')
			i = j
			continue
		}
		if next >= len(args) {
			return "", fmt.Errorf("not enough arguments for format string")
		}
		spec := format[i+1 : j]
		b.WriteString(formatVerbSpec(spec, format[j], args[next]))
		next++
		i = j
	}
	return b.String(), nil
}

func formatVerb(verb byte, value interface{}) string {
	return formatVerbSpec("", verb, value)
}

func formatVerbSpec(spec string, verb byte, value interface{}) string {
	switch verb {
	case 'd', 'i':
		if i, ok := toInt(value); ok {
			return fmt.Sprintf("%"+spec+"d", i)
		}
	case 'f', 'F', 'e', 'E', 'g', 'G':
		if f, ok := toFloat64(value); ok {
			return fmt.Sprintf("%"+spec+string(verb), f)
		}
	case 'x', 'X', 'o':
		if i, ok := toInt(value); ok {
			return fmt.Sprintf("%"+spec+string(verb), i)
		}
	case 'r':
		return reprValue(value)
	}
	return fmt.Sprintf("%"+spec+"s", toString(value))
}

func extractKwargs(args []interface{}) (Kwargs, []interface{}) {
	if len(args) == 0 {
		return nil, args
	}
	if kw, ok := args[len(args)-1].(Kwargs); ok {
		return kw, args[:len(args)-1]
	}
	return nil, args
}

func appendCallArgs(args []interface{}, kwargs map[string]interface{}) []interface{} {
	if len(kwargs) == 0 {
		return args
	}
	return append(append([]interface{}(nil), args...), Kwargs(kwargs))
}
