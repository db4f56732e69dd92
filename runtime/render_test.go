package runtime

import (
	"context"
	"strings"
	"testing"
)

func TestRenderStatements(t *testing.T) {
	env := NewEnvironment()
	cases := []struct {
		name   string
		source string
		vars   map[string]interface{}
		want   string
	}{
		{"print", "{{ a }} {{ b }}", map[string]interface{}{"a": 1, "b": "x"}, "1 x"},
		{"none renders empty", "[{{ nothing }}]", map[string]interface{}{"nothing": nil}, "[]"},
		{"booleans", "{{ t }} {{ f }}", map[string]interface{}{"t": true, "f": false}, "True False"},
		{"arithmetic", "{{ 7 // 2 }} {{ 7 % 3 }} {{ 2 ** 3 }} {{ 1 / 2 }}", nil, "3 1 8 0.5"},
		{"concat", `{{ "a" ~ 1 ~ "b" }}`, nil, "a1b"},
		{"compare", "{{ 1 < 2 }} {{ 'a' in 'abc' }} {{ 3 not in [1, 2] }}", nil, "True True True"},
		{"conditional expression", "{{ 'yes' if flag else 'no' }}", map[string]interface{}{"flag": true}, "yes"},
		{"if elif else", "{% if x == 1 %}one{% elif x == 2 %}two{% else %}many{% endif %}", map[string]interface{}{"x": 2}, "two"},
		{"loop variables", "{% for c in 'abc' %}{{ loop.index }}{{ c }}{% if not loop.last %},{% endif %}{% endfor %}", nil, "1a,2b,3c"},
		{"loop else", "{% for x in [] %}x{% else %}empty{% endfor %}", nil, "empty"},
		{"loop filter", "{% for x in range(6) if x is even %}{{ x }}{% endfor %}", nil, "024"},
		{"tests in conditions", "{% if x is defined and x is not none %}set{% endif %}{% if y is undefined %}!{% endif %}{{ 4 is even }}", map[string]interface{}{"x": 1}, "set!True"},
		{"float literals", "{{ [2.5][0] }} {{ range(3)|sum * 1.5 }} {{ '2.5' }} {{ dict(a=2.5).a }}", nil, "2.5 4.5 2.5 2.5"},
		{"break and continue", "{% for x in range(10) %}{% if x == 1 %}{% continue %}{% endif %}{% if x == 4 %}{% break %}{% endif %}{{ x }}{% endfor %}", nil, "023"},
		{"loop cycle", "{% for x in range(3) %}{{ loop.cycle('a', 'b') }}{% endfor %}", nil, "aba"},
		{"set and unpack", "{% set a, b = 1, 2 %}{{ b }}{{ a }}", nil, "21"},
		{"set block", "{% set body %}inner{% endset %}[{{ body }}]", nil, "[inner]"},
		{"set block filter", "{% set body | upper %}inner{% endset %}{{ body }}", nil, "INNER"},
		{"with", "{% with x = 5 %}{{ x }}{% endwith %}[{{ x }}]", nil, "5[]"},
		{"namespace", "{% set ns = namespace(total=0) %}{% for i in [1, 2, 3] %}{% set ns.total = ns.total + i %}{% endfor %}{{ ns.total }}", nil, "6"},
		{"filter block", "{% filter upper %}abc{% endfilter %}", nil, "ABC"},
		{"dict access", "{{ user.name }} {{ user['age'] }}", map[string]interface{}{"user": map[string]interface{}{"name": "bo", "age": 3}}, "bo 3"},
		{"slice", "{{ items[1:] }}", map[string]interface{}{"items": []interface{}{1, 2, 3}}, "[2, 3]"},
		{"string methods", "{{ 'Hello'.upper() }} {{ ' x '.strip() }}", nil, "HELLO x"},
		{"autoescape block", "{% autoescape true %}{{ v }}{% endautoescape %}{{ v }}", map[string]interface{}{"v": "<i>"}, "&lt;i&gt;<i>"},
		{"safe under autoescape", "{% autoescape true %}{{ v|safe }}{% endautoescape %}", map[string]interface{}{"v": "<i>"}, "<i>"},
		{"cycler", "{% set c = cycler('x', 'y') %}{{ c.next() }}{{ c.next() }}{{ c.next() }}", nil, "xyx"},
		{"joiner", "{% set j = joiner('-') %}{% for x in [1, 2, 3] %}{{ j() }}{{ x }}{% endfor %}", nil, "1-2-3"},
		{"dict global", "{{ dict(a=1)['a'] }}", nil, "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, env, tc.source, tc.vars); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRecursiveLoop(t *testing.T) {
	env := NewEnvironment()
	tree := []interface{}{
		map[string]interface{}{"name": "a", "children": []interface{}{
			map[string]interface{}{"name": "b", "children": []interface{}{}},
		}},
	}
	source := "{% for node in tree recursive %}{{ node.name }}{{ loop.depth }}{% if node.children %}({{ loop(node.children) }}){% endif %}{% endfor %}"
	if got := renderString(t, env, source, map[string]interface{}{"tree": tree}); got != "a1(b2)" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestMacros(t *testing.T) {
	env := NewEnvironment()
	cases := []struct {
		name   string
		source string
		want   string
	}{
		{"defaults and keywords", `{% macro greet(name, greeting="Hi") %}{{ greeting }} {{ name }}{% endmacro %}{{ greet("a") }}|{{ greet("b", greeting="Yo") }}`, "Hi a|Yo b"},
		{"missing argument is undefined", `{% macro show(a, b) %}[{{ a }}{{ b }}]{% endmacro %}{{ show(1) }}`, "[1]"},
		{"varargs", `{% macro m() %}{{ varargs|join(",") }}{% endmacro %}{{ m(1, 2) }}`, "1,2"},
		{"kwargs", `{% macro m() %}{{ kwargs|dictsort|join(",") }}{% endmacro %}{{ m(b=2, a=1) }}`, "['a', 1],['b', 2]"},
		{"call block", `{% macro wrap() %}<{{ caller() }}>{% endmacro %}{% call wrap() %}x{% endcall %}`, "<x>"},
		{"call block arguments", `{% macro each(items) %}{% for i in items %}{{ caller(i) }}{% endfor %}{% endmacro %}{% call(x) each([1, 2]) %}[{{ x }}]{% endcall %}`, "[1][2]"},
		{"closure over definition scope", `{% set who = "outer" %}{% macro m() %}{{ who }}{% endmacro %}{% for who in ["loop"] %}{{ m() }}{% endfor %}`, "outer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, env, tc.source, nil); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestMacroArgumentErrors(t *testing.T) {
	env := NewEnvironment()
	cases := map[string]string{
		`{% macro m(a) %}{% endmacro %}{{ m(1, 2) }}`:   "takes not more than 1 argument",
		`{% macro m(a) %}{% endmacro %}{{ m(1, a=2) }}`: "multiple values for argument 'a'",
		`{% macro m() %}{% endmacro %}{{ m(x=1) }}`:     "takes no keyword argument 'x'",
	}
	for source, want := range cases {
		tmpl, err := env.FromString(context.Background(), source, nil)
		if err != nil {
			t.Fatalf("FromString(%q) failed: %v", source, err)
		}
		_, err = tmpl.Render(context.Background(), nil)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%s: expected error containing %q, got %v", source, want, err)
		}
		if !IsMacroError(err) {
			t.Errorf("%s: expected a macro error, got %T", source, err)
		}
	}
}

func TestUndefinedCallFails(t *testing.T) {
	env := NewEnvironment()
	tmpl, err := env.FromString(context.Background(), "{{ nope() }}", nil)
	if err != nil {
		t.Fatalf("FromString failed: %v", err)
	}
	if _, err := tmpl.Render(context.Background(), nil); !IsUndefinedError(err) {
		t.Fatalf("expected an undefined error, got %v", err)
	}
}

func TestRenderErrorCarriesTemplateName(t *testing.T) {
	env, _ := newMapEnv(t, map[string]string{"broken": "line one\n{{ 1 // 0 }}"})
	tmpl, err := env.GetTemplate(context.Background(), "broken", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	_, err = tmpl.Render(context.Background(), nil)
	if err == nil {
		t.Fatal("expected a division error")
	}
	rtErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rtErr.Template != "broken" || rtErr.Position.Line != 2 {
		t.Fatalf("expected broken:2, got %s:%d", rtErr.Template, rtErr.Position.Line)
	}
}

type user struct {
	Name   string
	secret string
}

func (u user) Greeting(prefix string) string { return prefix + " " + u.Name }

func TestGoValues(t *testing.T) {
	env := NewEnvironment(WithGlobals(map[string]interface{}{
		"add": func(a, b int) int { return a + b },
	}))
	vars := map[string]interface{}{"u": user{Name: "kim", secret: "s"}}
	got := renderString(t, env, `{{ u.Name }}|{{ u.Greeting("hi") }}|{{ add(2, 3) }}|[{{ u.secret }}]`, vars)
	if got != "kim|hi kim|5|[]" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestSandboxPolicyBlocksAttributes(t *testing.T) {
	env := NewEnvironment(WithPolicy(NewSandboxPolicy().BlockAttributes("Name")))
	tmpl, err := env.FromString(context.Background(), "{{ u.Name }}", nil)
	if err != nil {
		t.Fatalf("FromString failed: %v", err)
	}
	_, err = tmpl.Render(context.Background(), map[string]interface{}{"u": user{Name: "kim"}})
	if !IsSecurityError(err) {
		t.Fatalf("expected a security error, got %v", err)
	}
}

func TestWhitespaceControl(t *testing.T) {
	env := NewEnvironment()
	cases := []struct {
		name   string
		source string
		want   string
	}{
		{"raw", `{% raw %}{{ name }}{% endraw %} {{ name }}`, "{{ name }} World"},
		{"verbatim", `{% verbatim %}{{ name }}{% endverbatim %} {{ name }}`, "{{ name }} World"},
		{"trim markers", "a  {%- if true -%}  b  {%- endif %}", "ab"},
		{"spaceless", "{% spaceless %}\n<div>\n    <span>{{ name }}</span>\n</div>\n{% endspaceless %}", "<div><span>World</span></div>"},
		{"spaceless keeps inner text", `{% spaceless %}<p> hello   world </p>{% endspaceless %}`, "<p> hello   world </p>"},
	}
	vars := map[string]interface{}{"name": "World"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, env, tc.source, vars); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}

	trimmed := NewEnvironment(WithParserOptions(ParserOptions{TrimBlocks: true, LstripBlocks: true}))
	if got := renderString(t, trimmed, "<ul>\n  {% for x in [1, 2] %}\n  <li>{{ x }}</li>\n  {% endfor %}\n</ul>", nil); got != "<ul>\n  <li>1</li>\n  <li>2</li>\n</ul>" {
		t.Fatalf("unexpected trimmed output %q", got)
	}
}
