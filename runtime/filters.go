package runtime

import (
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

var (
	striptagsPattern = regexp.MustCompile(`(?s)<!--.*?-->|<[^>]*>`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

func builtinFilters() map[string]FilterFunc {
	return map[string]FilterFunc{
		// strings
		"upper":      stringFilter(strings.ToUpper),
		"lower":      stringFilter(strings.ToLower),
		"capitalize": stringFilter(capitalize),
		"title":      stringFilter(titleCase),
		"trim":       filterTrim,
		"striptags":  filterStriptags,
		"replace":    filterReplace,
		"truncate":   filterTruncate,
		"wordcount":  filterWordcount,
		"center":     filterCenter,
		"indent":     filterIndent,
		"format":     filterFormat,
		"urlencode":  filterUrlencode,
		"string":     filterString,

		// numbers
		"round": filterRound,
		"abs":   filterAbs,
		"int":   filterInt,
		"float": filterFloat,

		// sequences and mappings
		"default":    filterDefault,
		"d":          filterDefault,
		"length":     filterLength,
		"count":      filterLength,
		"first":      filterFirst,
		"last":       filterLast,
		"join":       filterJoin,
		"reverse":    filterReverse,
		"sort":       filterSort,
		"unique":     filterUnique,
		"min":        filterMin,
		"max":        filterMax,
		"sum":        filterSum,
		"list":       filterList,
		"batch":      filterBatch,
		"slice":      filterSlice,
		"dictsort":   filterDictsort,
		"items":      filterItems,
		"groupby":    filterGroupby,
		"attr":       filterAttr,
		"map":        filterMap,
		"select":     filterSelect(true),
		"reject":     filterSelect(false),
		"selectattr": filterSelectattr(true),
		"rejectattr": filterSelectattr(false),

		// markup
		"safe":           filterSafe,
		"escape":         filterEscape,
		"e":              filterEscape,
		"forceescape":    filterForceEscape,
		"tojson":         filterToJSON,
		"xmlattr":        filterXMLAttr,
		"filesizeformat": filterFilesizeformat,
	}
}

// stringFilter lifts a string transformation into a filter that keeps the
// markup flag of its input.
func stringFilter(fn func(string) string) FilterFunc {
	return func(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
		if m, ok := value.(Markup); ok {
			return Markup(fn(string(m))), nil
		}
		s, err := stringify(value)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func filterTrim(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	s := toString(value)
	if len(args) > 0 && args[0] != nil {
		return strings.Trim(s, toString(args[0])), nil
	}
	return strings.TrimSpace(s), nil
}

func filterStriptags(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	stripped := striptagsPattern.ReplaceAllString(toString(value), "")
	stripped = html.UnescapeString(stripped)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(stripped, " ")), nil
}

func filterReplace(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	if len(args) < 2 {
		return nil, fmt.Errorf("replace requires old and new arguments")
	}
	count := -1
	if len(args) > 2 {
		count, _ = toInt(args[2])
	}
	if v, ok := kwargs["count"]; ok {
		count, _ = toInt(v)
	}
	old, repl := toString(args[0]), toString(args[1])
	if m, ok := value.(Markup); ok {
		if _, safe := args[1].(Markup); !safe {
			repl = string(escapeString(repl))
		}
		return Markup(strings.Replace(string(m), old, repl, count)), nil
	}
	return strings.Replace(toString(value), old, repl, count), nil
}

func filterTruncate(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	length, killwords, end, leeway := 255, false, "...", 5
	if len(args) > 0 {
		length, _ = toInt(args[0])
	}
	if len(args) > 1 {
		killwords = isTruthy(args[1])
	}
	if len(args) > 2 {
		end = toString(args[2])
	}
	if len(args) > 3 {
		leeway, _ = toInt(args[3])
	}
	if v, ok := kwargs["length"]; ok {
		length, _ = toInt(v)
	}
	if v, ok := kwargs["killwords"]; ok {
		killwords = isTruthy(v)
	}
	if v, ok := kwargs["end"]; ok {
		end = toString(v)
	}
	if v, ok := kwargs["leeway"]; ok {
		leeway, _ = toInt(v)
	}

	runes := []rune(toString(value))
	if len(runes) <= length+leeway {
		return string(runes), nil
	}
	cut := length - len([]rune(end))
	if cut < 0 {
		cut = 0
	}
	if killwords {
		return string(runes[:cut]) + end, nil
	}
	head := string(runes[:cut])
	if idx := strings.LastIndex(head, " "); idx >= 0 {
		head = head[:idx]
	}
	return head + end, nil
}

func filterWordcount(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	return len(strings.Fields(toString(value))), nil
}

func filterCenter(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	width := 80
	if len(args) > 0 {
		width, _ = toInt(args[0])
	}
	s := toString(value)
	n := len([]rune(s))
	if n >= width {
		return s, nil
	}
	left := (width - n) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-n-left), nil
}

func filterIndent(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	prefix, first, blank := "    ", false, false
	if len(args) > 0 {
		if n, ok := args[0].(int); ok {
			prefix = strings.Repeat(" ", n)
		} else if n, ok := toInt(args[0]); ok && !isStringValue(args[0]) {
			prefix = strings.Repeat(" ", n)
		} else {
			prefix = toString(args[0])
		}
	}
	if len(args) > 1 {
		first = isTruthy(args[1])
	}
	if len(args) > 2 {
		blank = isTruthy(args[2])
	}
	if v, ok := kwargs["width"]; ok {
		if n, isInt := toInt(v); isInt && !isStringValue(v) {
			prefix = strings.Repeat(" ", n)
		} else {
			prefix = toString(v)
		}
	}
	if v, ok := kwargs["first"]; ok {
		first = isTruthy(v)
	}
	if v, ok := kwargs["blank"]; ok {
		blank = isTruthy(v)
	}

	lines := strings.Split(toString(value), "\n")
	for i, line := range lines {
		if i == 0 && !first {
			continue
		}
		if line == "" && !blank {
			continue
		}
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n"), nil
}

func isStringValue(v interface{}) bool {
	_, ok := stringLike(v)
	return ok
}

func filterFormat(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	return formatPercent(toString(value), args)
}

func filterUrlencode(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	if m, ok := toStringInterfaceMap(value); ok {
		values := url.Values{}
		for _, k := range sortedNames(m) {
			values.Set(k, toString(m[k]))
		}
		return values.Encode(), nil
	}
	return strings.ReplaceAll(url.QueryEscape(toString(value)), "+", "%20"), nil
}

func filterString(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	if m, ok := value.(Markup); ok {
		return m, nil
	}
	return stringify(value)
}

func filterRound(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	precision, method := 0, "common"
	if len(args) > 0 {
		precision, _ = toInt(args[0])
	}
	if len(args) > 1 {
		method = toString(args[1])
	}
	if v, ok := kwargs["precision"]; ok {
		precision, _ = toInt(v)
	}
	if v, ok := kwargs["method"]; ok {
		method = toString(v)
	}

	f, ok := toFloat64(value)
	if !ok {
		return nil, fmt.Errorf("round expects a number, got %T", value)
	}
	scale := math.Pow(10, float64(precision))
	switch method {
	case "common":
		return math.Round(f*scale) / scale, nil
	case "ceil":
		return math.Ceil(f*scale) / scale, nil
	case "floor":
		return math.Floor(f*scale) / scale, nil
	}
	return nil, fmt.Errorf("method must be common, ceil or floor")
}

func filterAbs(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	n, ok := classifyNumber(value)
	if !ok {
		return nil, fmt.Errorf("bad operand type for abs(): '%T'", value)
	}
	if n.isFloat() {
		return math.Abs(n.floatValue), nil
	}
	if n.intValue < 0 {
		return integerResult(-n.intValue, n, n), nil
	}
	return value, nil
}

func filterInt(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	var def interface{} = 0
	base := 10
	if len(args) > 0 {
		def = args[0]
	}
	if len(args) > 1 {
		base, _ = toInt(args[1])
	}
	if v, ok := kwargs["default"]; ok {
		def = v
	}
	if v, ok := kwargs["base"]; ok {
		base, _ = toInt(v)
	}

	if s, ok := stringLike(value); ok {
		s = strings.TrimSpace(s)
		if i, err := strconv.ParseInt(s, base, 64); err == nil {
			return int(i), nil
		}
		if base == 10 {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return int(f), nil
			}
		}
		return def, nil
	}
	if i, ok := toInt(value); ok {
		return i, nil
	}
	return def, nil
}

func filterFloat(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	var def interface{} = 0.0
	if len(args) > 0 {
		def = args[0]
	}
	if v, ok := kwargs["default"]; ok {
		def = v
	}
	if f, ok := toFloat64(value); ok {
		return f, nil
	}
	return def, nil
}

func filterDefault(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	var def interface{} = ""
	boolean := false
	if len(args) > 0 {
		def = args[0]
	}
	if len(args) > 1 {
		boolean = isTruthy(args[1])
	}
	if v, ok := kwargs["default_value"]; ok {
		def = v
	}
	if v, ok := kwargs["boolean"]; ok {
		boolean = isTruthy(v)
	}
	if isUndefinedValue(value) || (boolean && !isTruthy(value)) {
		return def, nil
	}
	return value, nil
}

func filterLength(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	if n, ok := length(value); ok {
		return n, nil
	}
	if isUndefinedValue(value) {
		return 0, nil
	}
	return nil, fmt.Errorf("object of type '%T' has no len()", value)
}

func filterFirst(ctx *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return ctx.undefined("first"), nil
	}
	return items[0], nil
}

func filterLast(ctx *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return ctx.undefined("last"), nil
	}
	return items[len(items)-1], nil
}

func filterJoin(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	sep, attr := "", ""
	if len(args) > 0 {
		sep = toString(args[0])
	}
	if len(args) > 1 {
		attr = toString(args[1])
	}
	if v, ok := kwargs["d"]; ok {
		sep = toString(v)
	}
	if v, ok := kwargs["attribute"]; ok {
		attr = toString(v)
	}

	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	escape := ctx != nil && ctx.autoescape
	parts := make([]string, len(items))
	for i, item := range items {
		if attr != "" {
			if item, err = attrPath(ctx, item, attr); err != nil {
				return nil, err
			}
		}
		m, safe := item.(Markup)
		switch {
		case safe:
			parts[i] = string(m)
		case escape:
			parts[i] = string(escapeString(toString(item)))
		default:
			parts[i] = toString(item)
		}
	}
	// Under autoescape every part is already escaped.
	if escape {
		return Markup(strings.Join(parts, sep)), nil
	}
	return strings.Join(parts, sep), nil
}

func filterReverse(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	if s, ok := stringLike(value); ok {
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	}
	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	result := make([]interface{}, len(items))
	for i, item := range items {
		result[len(items)-1-i] = item
	}
	return result, nil
}

// sortKey lowers strings unless case sensitivity was requested.
func sortKey(value interface{}, caseSensitive bool) interface{} {
	if s, ok := stringLike(value); ok && !caseSensitive {
		return strings.ToLower(s)
	}
	return value
}

func filterSort(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	reverse, caseSensitive, attr := false, false, ""
	if len(args) > 0 {
		reverse = isTruthy(args[0])
	}
	if len(args) > 1 {
		caseSensitive = isTruthy(args[1])
	}
	if len(args) > 2 {
		attr = toString(args[2])
	}
	if v, ok := kwargs["reverse"]; ok {
		reverse = isTruthy(v)
	}
	if v, ok := kwargs["case_sensitive"]; ok {
		caseSensitive = isTruthy(v)
	}
	if v, ok := kwargs["attribute"]; ok {
		attr = toString(v)
	}

	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	keys := make([]interface{}, len(items))
	for i, item := range items {
		key := item
		if attr != "" {
			if key, err = attrPath(ctx, item, attr); err != nil {
				return nil, err
			}
		}
		keys[i] = sortKey(key, caseSensitive)
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	var sortErr error
	sort.SliceStable(idx, func(a, b int) bool {
		cmp, err := compareOrdered(keys[idx[a]], keys[idx[b]])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if reverse {
			return cmp > 0
		}
		return cmp < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	result := make([]interface{}, len(items))
	for i, j := range idx {
		result[i] = items[j]
	}
	return result, nil
}

func filterUnique(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	caseSensitive, attr := false, ""
	if len(args) > 0 {
		caseSensitive = isTruthy(args[0])
	}
	if v, ok := kwargs["case_sensitive"]; ok {
		caseSensitive = isTruthy(v)
	}
	if v, ok := kwargs["attribute"]; ok {
		attr = toString(v)
	}

	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	var seen []interface{}
	var result []interface{}
	for _, item := range items {
		key := item
		if attr != "" {
			if key, err = attrPath(ctx, item, attr); err != nil {
				return nil, err
			}
		}
		key = sortKey(key, caseSensitive)
		dup := false
		for _, s := range seen {
			if valuesEqual(s, key) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, key)
			result = append(result, item)
		}
	}
	return result, nil
}

func extreme(ctx *Context, value interface{}, args []interface{}, wantMax bool) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	caseSensitive, attr := false, ""
	if len(args) > 0 {
		caseSensitive = isTruthy(args[0])
	}
	if v, ok := kwargs["case_sensitive"]; ok {
		caseSensitive = isTruthy(v)
	}
	if v, ok := kwargs["attribute"]; ok {
		attr = toString(v)
	}

	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return ctx.undefined("no items"), nil
	}
	best, bestKey := items[0], interface{}(nil)
	for i, item := range items {
		key := item
		if attr != "" {
			if key, err = attrPath(ctx, item, attr); err != nil {
				return nil, err
			}
		}
		key = sortKey(key, caseSensitive)
		if i == 0 {
			bestKey = key
			continue
		}
		cmp, err := compareOrdered(key, bestKey)
		if err != nil {
			return nil, err
		}
		if (wantMax && cmp > 0) || (!wantMax && cmp < 0) {
			best, bestKey = item, key
		}
	}
	return best, nil
}

func filterMin(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	return extreme(ctx, value, args, false)
}

func filterMax(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	return extreme(ctx, value, args, true)
}

func filterSum(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	attr := ""
	var total interface{} = 0
	if len(args) > 0 {
		attr = toString(args[0])
	}
	if len(args) > 1 {
		total = args[1]
	}
	if v, ok := kwargs["attribute"]; ok {
		attr = toString(v)
	}
	if v, ok := kwargs["start"]; ok {
		total = v
	}

	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if attr != "" {
			if item, err = attrPath(ctx, item, attr); err != nil {
				return nil, err
			}
		}
		if total, err = binaryArithmetic("+", total, item); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func filterList(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	return append([]interface{}{}, items...), nil
}

func filterBatch(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return nil, fmt.Errorf("batch requires a size")
	}
	size, ok := toInt(args[0])
	if !ok || size <= 0 {
		return nil, fmt.Errorf("batch size must be a positive integer")
	}
	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	var result []interface{}
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		row := append([]interface{}{}, items[i:end]...)
		if len(row) < size && len(args) > 1 {
			for len(row) < size {
				row = append(row, args[1])
			}
		}
		result = append(result, row)
	}
	return result, nil
}

func filterSlice(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return nil, fmt.Errorf("slice requires a number of slices")
	}
	slices, ok := toInt(args[0])
	if !ok || slices <= 0 {
		return nil, fmt.Errorf("slice count must be a positive integer")
	}
	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}
	perSlice, extra := len(items)/slices, len(items)%slices
	offset := 0
	result := make([]interface{}, 0, slices)
	for i := 0; i < slices; i++ {
		start := offset + i*perSlice
		if i < extra {
			offset++
		}
		end := offset + (i+1)*perSlice
		row := append([]interface{}{}, items[start:end]...)
		if len(args) > 1 && i >= extra && extra > 0 {
			row = append(row, args[1])
		}
		result = append(result, row)
	}
	return result, nil
}

func mapPairs(value interface{}) ([][2]interface{}, error) {
	m, ok := toStringInterfaceMap(value)
	if !ok {
		return nil, fmt.Errorf("expected a mapping, got %T", value)
	}
	pairs := make([][2]interface{}, 0, len(m))
	for _, k := range sortedNames(m) {
		pairs = append(pairs, [2]interface{}{k, m[k]})
	}
	return pairs, nil
}

func filterItems(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	if isUndefinedValue(value) {
		return []interface{}{}, nil
	}
	pairs, err := mapPairs(value)
	if err != nil {
		return nil, err
	}
	result := make([]interface{}, len(pairs))
	for i, p := range pairs {
		result[i] = []interface{}{p[0], p[1]}
	}
	return result, nil
}

func filterDictsort(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	caseSensitive, by, reverse := false, "key", false
	if len(args) > 0 {
		caseSensitive = isTruthy(args[0])
	}
	if len(args) > 1 {
		by = toString(args[1])
	}
	if len(args) > 2 {
		reverse = isTruthy(args[2])
	}
	if v, ok := kwargs["case_sensitive"]; ok {
		caseSensitive = isTruthy(v)
	}
	if v, ok := kwargs["by"]; ok {
		by = toString(v)
	}
	if v, ok := kwargs["reverse"]; ok {
		reverse = isTruthy(v)
	}
	pos := 0
	switch by {
	case "key":
	case "value":
		pos = 1
	default:
		return nil, fmt.Errorf("you can only sort by either 'key' or 'value'")
	}

	pairs, err := mapPairs(value)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		cmp, _ := compareOrdered(sortKey(pairs[i][pos], caseSensitive), sortKey(pairs[j][pos], caseSensitive))
		if reverse {
			return cmp > 0
		}
		return cmp < 0
	})
	result := make([]interface{}, len(pairs))
	for i, p := range pairs {
		result[i] = []interface{}{p[0], p[1]}
	}
	return result, nil
}

// groupEntry is one group produced by groupby; it exposes grouper and list.
type groupEntry struct {
	Grouper interface{}
	List    []interface{}
}

func (g *groupEntry) GetAttr(name string) (interface{}, bool) {
	switch name {
	case "grouper":
		return g.Grouper, true
	case "list":
		return g.List, true
	}
	return nil, false
}

func filterGroupby(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	attr := ""
	var def interface{}
	if len(args) > 0 {
		attr = toString(args[0])
	}
	if v, ok := kwargs["attribute"]; ok {
		attr = toString(v)
	}
	if v, ok := kwargs["default"]; ok {
		def = v
	}
	if attr == "" {
		return nil, fmt.Errorf("groupby requires an attribute")
	}

	sorted, err := filterSort(ctx, value, Kwargs{"attribute": attr, "case_sensitive": true})
	if err != nil {
		return nil, err
	}
	var groups []interface{}
	var current *groupEntry
	for _, item := range sorted.([]interface{}) {
		key, err := attrPath(ctx, item, attr)
		if err != nil {
			return nil, err
		}
		if isUndefinedValue(key) && def != nil {
			key = def
		}
		if current == nil || !valuesEqual(current.Grouper, key) {
			current = &groupEntry{Grouper: key}
			groups = append(groups, current)
		}
		current.List = append(current.List, item)
	}
	return groups, nil
}

// attrPath resolves a dotted attribute path such as "user.name" or "0.id".
func attrPath(ctx *Context, obj interface{}, path string) (interface{}, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	current := obj
	for _, part := range strings.Split(path, ".") {
		var err error
		if idx, convErr := strconv.Atoi(part); convErr == nil {
			current, err = ctx.getItem(current, idx)
		} else {
			current, err = ctx.getAttr(current, part)
		}
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

func filterAttr(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	if len(args) == 0 {
		return nil, fmt.Errorf("attr requires a name")
	}
	return ctx.getAttr(value, toString(args[0]))
}

func filterMap(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	items, err := toSlice(value)
	if err != nil {
		return nil, err
	}

	if attr, ok := kwargs["attribute"]; ok {
		def, hasDefault := kwargs["default"]
		result := make([]interface{}, len(items))
		for i, item := range items {
			v, err := attrPath(ctx, item, toString(attr))
			if err != nil {
				return nil, err
			}
			if hasDefault && isUndefinedValue(v) {
				v = def
			}
			result[i] = v
		}
		return result, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("map requires a filter name or attribute")
	}
	name := toString(args[0])
	fn, ok := ctx.env.filter(name)
	if !ok {
		return nil, fmt.Errorf("no filter named '%s'", name)
	}
	rest := appendCallArgs(args[1:], kwargs)
	result := make([]interface{}, len(items))
	for i, item := range items {
		if result[i], err = fn(ctx, item, rest...); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// selectWith applies a named test, or truthiness when no test is given.
func selectWith(ctx *Context, item interface{}, args []interface{}) (bool, error) {
	if len(args) == 0 {
		return isTruthy(item), nil
	}
	name := toString(args[0])
	fn, ok := ctx.env.test(name)
	if !ok {
		return false, fmt.Errorf("no test named '%s'", name)
	}
	return fn(ctx, item, args[1:]...)
}

func filterSelect(keep bool) FilterFunc {
	return func(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
		_, args = extractKwargs(args)
		items, err := toSlice(value)
		if err != nil {
			return nil, err
		}
		result := []interface{}{}
		for _, item := range items {
			ok, err := selectWith(ctx, item, args)
			if err != nil {
				return nil, err
			}
			if ok == keep {
				result = append(result, item)
			}
		}
		return result, nil
	}
}

func filterSelectattr(keep bool) FilterFunc {
	return func(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
		_, args = extractKwargs(args)
		if len(args) == 0 {
			return nil, fmt.Errorf("an attribute name is required")
		}
		items, err := toSlice(value)
		if err != nil {
			return nil, err
		}
		result := []interface{}{}
		for _, item := range items {
			v, err := attrPath(ctx, item, toString(args[0]))
			if err != nil {
				return nil, err
			}
			ok, err := selectWith(ctx, v, args[1:])
			if err != nil {
				return nil, err
			}
			if ok == keep {
				result = append(result, item)
			}
		}
		return result, nil
	}
}

func filterSafe(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	if m, ok := value.(Markup); ok {
		return m, nil
	}
	return Markup(toString(value)), nil
}

func filterEscape(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	if m, ok := value.(Markup); ok {
		return m, nil
	}
	return escapeString(toString(value)), nil
}

func filterForceEscape(_ *Context, value interface{}, _ ...interface{}) (interface{}, error) {
	return escapeString(toString(value)), nil
}

var jsonEscaper = strings.NewReplacer("<", "\\u003c", ">", "\\u003e", "&", "\\u0026", "'", "\\u0027")

func filterToJSON(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	kwargs, args := extractKwargs(args)
	indent := 0
	if len(args) > 0 {
		indent, _ = toInt(args[0])
	}
	if v, ok := kwargs["indent"]; ok {
		indent, _ = toInt(v)
	}
	var data []byte
	var err error
	if indent > 0 {
		data, err = json.MarshalIndent(jsonValue(value), "", strings.Repeat(" ", indent))
	} else {
		data, err = json.Marshal(jsonValue(value))
	}
	if err != nil {
		return nil, err
	}
	return Markup(jsonEscaper.Replace(string(data))), nil
}

func jsonValue(value interface{}) interface{} {
	switch v := value.(type) {
	case Markup:
		return string(v)
	case *Namespace:
		return v.Items()
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = jsonValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = jsonValue(item)
		}
		return out
	}
	if isUndefinedValue(value) {
		return nil
	}
	return value
}

func filterXMLAttr(ctx *Context, value interface{}, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	autospace := true
	if len(args) > 0 {
		autospace = isTruthy(args[0])
	}
	m, ok := toStringInterfaceMap(value)
	if !ok {
		return nil, fmt.Errorf("xmlattr expects a mapping, got %T", value)
	}
	var parts []string
	for _, k := range sortedNames(m) {
		v := m[k]
		if v == nil || isUndefinedValue(v) {
			continue
		}
		if strings.ContainsAny(k, " \t\n\f/>=") {
			return nil, fmt.Errorf("invalid character in attribute name: %q", k)
		}
		parts = append(parts, fmt.Sprintf(`%s="%s"`, html.EscapeString(k), html.EscapeString(toString(v))))
	}
	result := strings.Join(parts, " ")
	if autospace && result != "" {
		result = " " + result
	}
	return Markup(result), nil
}

func filterFilesizeformat(_ *Context, value interface{}, args ...interface{}) (interface{}, error) {
	_, args = extractKwargs(args)
	binary := len(args) > 0 && isTruthy(args[0])
	size, ok := toFloat64(value)
	if !ok {
		return nil, fmt.Errorf("filesizeformat expects a number, got %T", value)
	}
	base := 1000.0
	prefixes := []string{"kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}
	if binary {
		base = 1024
		prefixes = []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB", "ZiB", "YiB"}
	}
	switch {
	case size == 1:
		return "1 Byte", nil
	case size < base:
		return fmt.Sprintf("%d Bytes", int64(size)), nil
	}
	for i, prefix := range prefixes {
		unit := math.Pow(base, float64(i+2))
		if size < unit || i == len(prefixes)-1 {
			return fmt.Sprintf("%.1f %s", base*size/unit, prefix), nil
		}
	}
	return nil, nil
}

func isUpperString(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func isLowerString(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}
