package lexer

import (
	"errors"
	"strings"
	"testing"
)

func tokenize(t *testing.T, config LexerConfig, source string) []Token {
	t.Helper()
	stream, err := NewLexer(config).Tokenize(source, "test", "test.html", "")
	if err != nil {
		t.Fatalf("Tokenize(%q) failed: %v", source, err)
	}
	var tokens []Token
	for !stream.Eof() {
		tokens = append(tokens, stream.Next())
	}
	return tokens
}

func tokenTypes(tokens []Token) []TokenType {
	types := make([]TokenType, len(tokens))
	for i, tok := range tokens {
		types[i] = tok.Type
	}
	return types
}

func texts(tokens []Token) []string {
	var out []string
	for _, tok := range tokens {
		if tok.Type == TokenText {
			out = append(out, tok.Value)
		}
	}
	return out
}

func sameTypes(a, b []TokenType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBasicLexing(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected []TokenType
	}{
		{"simple text", "Hello, World!", []TokenType{TokenText}},
		{"simple variable", "Hello, {{ name }}!", []TokenType{TokenText, TokenVariableStart, TokenName, TokenVariableEnd, TokenText}},
		{"simple block", "{% if condition %}content{% endif %}", []TokenType{TokenBlockStart, TokenName, TokenName, TokenBlockEnd, TokenText, TokenBlockStart, TokenName, TokenBlockEnd}},
		{"comment", "Hello{# this is a comment #} World!", []TokenType{TokenText, TokenText}},
		{"raw block", "{% raw %}{{ this is not a variable }}{% endraw %}", []TokenType{TokenText}},
		{"verbatim block", "{% verbatim %}{{ untouched }}{% endverbatim %}", []TokenType{TokenText}},
		{"nested dict", "{{ {'a': {'b': 1}} }}", []TokenType{
			TokenVariableStart, TokenLeftCurly, TokenString, TokenColon, TokenLeftCurly, TokenString, TokenColon,
			TokenNumber, TokenRightCurly, TokenRightCurly, TokenVariableEnd,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenTypes(tokenize(t, DefaultLexerConfig(), tt.template))
			if !sameTypes(got, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestRawBlockKeepsBody(t *testing.T) {
	tokens := tokenize(t, DefaultLexerConfig(), "{% raw %}{{ a }}{% if %}{% endraw %}")
	if got := texts(tokens); !sameStrings(got, []string{"{{ a }}{% if %}"}) {
		t.Fatalf("unexpected raw body %q", got)
	}
}

func TestLStripBlocks(t *testing.T) {
	config := DefaultLexerConfig()
	config.LstripBlocks = true

	tests := []struct {
		name     string
		template string
		expected []string
	}{
		{"indented blocks", "\n    {% if condition %}\n        content\n    {% endif %}\n", []string{"\n", "\n        content\n"}},
		{"text before tag on the same line", "a  {% if x %}{% endif %}", []string{"a  "}},
		{"variables are not stripped", "  {{ x }}", []string{"  "}},
		{"plus sign disables", "a\n  {%+ if x %}{% endif %}", []string{"a\n  "}},
		{"comments are stripped", "a\n  {# note #}\nb", []string{"a\n", "\nb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := texts(tokenize(t, config, tt.template)); !sameStrings(got, tt.expected) {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestTrimBlocks(t *testing.T) {
	config := DefaultLexerConfig()
	config.TrimBlocks = true

	tests := []struct {
		name     string
		template string
		expected []string
	}{
		{"block end", "content{% if condition %}\nmore content\n{% endif %}\nafter", []string{"content", "more content\n", "after"}},
		{"variables keep newline", "{{ x }}\nafter", []string{"\nafter"}},
		{"plus sign keeps newline", "{% if x +%}\nafter{% endif %}", []string{"\nafter"}},
		{"comment end", "{# note #}\nafter", []string{"after"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := texts(tokenize(t, config, tt.template)); !sameStrings(got, tt.expected) {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestWhitespaceControlSigns(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected []string
	}{
		{"block minus", "a  {%- if x -%}  b  {%- endif %}", []string{"a", "b"}},
		{"variable minus", "a \n{{- x -}}\n b", []string{"a", "b"}},
		{"variable plus", "text \n{{+ name }}", []string{"text \n"}},
		{"comment minus", "a  {#- note -#}  b", []string{"a", "b"}},
		{"raw minus", "x {%- raw -%}  {{ y }}  {%- endraw -%} z", []string{"x", "{{ y }}", "z"}},
		{"no sign", "text \n{% if condition %}{% endif %}", []string{"text \n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := texts(tokenize(t, DefaultLexerConfig(), tt.template)); !sameStrings(got, tt.expected) {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestBalancedBraces(t *testing.T) {
	tests := []struct {
		name     string
		template string
		wantErr  bool
	}{
		{"balanced braces", "{{ dict['key'] }}", false},
		{"unbalanced braces", "{{ dict['key' }}", true},
		{"nested braces", "{{ func({key: value}) }}", false},
		{"closing without opening", "{{ a) }}", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLexer(DefaultLexerConfig()).Tokenize(tt.template, "test", "test.html", "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Tokenize() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPositionTracking(t *testing.T) {
	template := "line 1\nline 2 {{ variable }}\nline 3 {% block x %}content{% endblock %}\nline 4"
	tokens := tokenize(t, DefaultLexerConfig(), template)

	var sawVariable, sawBlock bool
	for _, tok := range tokens {
		switch {
		case tok.Type == TokenVariableStart:
			sawVariable = true
			if tok.Line != 2 || tok.Column != 8 {
				t.Fatalf("variable start at %d:%d, want 2:8", tok.Line, tok.Column)
			}
		case tok.Type == TokenBlockStart && !sawBlock:
			sawBlock = true
			if tok.Line != 3 || tok.Column != 8 {
				t.Fatalf("block start at %d:%d, want 3:8", tok.Line, tok.Column)
			}
		case tok.Type == TokenText && tok.Value == "\nline 4":
			if tok.Line != 3 {
				t.Fatalf("last text starts on line %d, want 3", tok.Line)
			}
		}
	}
	if !sawVariable || !sawBlock {
		t.Fatalf("missing tags in %v", tokens)
	}
}

func TestStringTokenization(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"double quotes", `{{ "hello world" }}`, "hello world"},
		{"single quotes", `{{ 'hello world' }}`, "hello world"},
		{"escaped quotes", `{{ "hello \"world\"" }}`, `hello "world"`},
		{"escaped newlines", `{{ "hello\nworld" }}`, "hello\nworld"},
		{"escaped backslash before n", `{{ "a\\nb" }}`, `a\nb`},
		{"float text", `{{ "2.5" }}`, "2.5"},
		{"delimiters inside", `{{ "}} {%" }}`, "}} {%"},
		{"unicode escape", `{{ "\u00e9" }}`, "é"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := tokenize(t, DefaultLexerConfig(), tt.template)
			if len(tokens) != 3 || tokens[1].Type != TokenString {
				t.Fatalf("expected a single string token, got %v", tokens)
			}
			if tokens[1].Value != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, tokens[1].Value)
			}
		})
	}
}

func TestNumberTokenization(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"integer", "{{ 42 }}", "42"},
		{"float", "{{ 3.14 }}", "3.14"},
		{"exponent", "{{ 1e3 }}", "1e3"},
		{"float with separators", "{{ 1_000.5 }}", "1000.5"},
		{"hex", "{{ 0xFF }}", "255"},
		{"binary", "{{ 0b1010 }}", "10"},
		{"octal", "{{ 0o755 }}", "493"},
		{"underscored", "{{ 1_000_000 }}", "1000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := tokenize(t, DefaultLexerConfig(), tt.template)
			if len(tokens) != 3 || tokens[1].Type != TokenNumber {
				t.Fatalf("expected a single number token, got %v", tokens)
			}
			if tokens[1].Value != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, tokens[1].Value)
			}
		})
	}
}

func TestFloatsNextToOperators(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected []TokenType
	}{
		{"list", "{{ [2.5] }}", []TokenType{TokenVariableStart, TokenLeftBracket, TokenNumber, TokenRightBracket, TokenVariableEnd}},
		{"call", "{{ f(2.5) }}", []TokenType{TokenVariableStart, TokenName, TokenLeftParen, TokenNumber, TokenRightParen, TokenVariableEnd}},
		{"keyword", "{{ f(a=2.5) }}", []TokenType{TokenVariableStart, TokenName, TokenLeftParen, TokenName, TokenAssign, TokenNumber, TokenRightParen, TokenVariableEnd}},
		{"second argument", "{{ f(1,2.5) }}", []TokenType{TokenVariableStart, TokenName, TokenLeftParen, TokenNumber, TokenComma, TokenNumber, TokenRightParen, TokenVariableEnd}},
		{"negative", "{{ -2.5 }}", []TokenType{TokenVariableStart, TokenSub, TokenNumber, TokenVariableEnd}},
		{"attribute index", "{{ x.0.1 }}", []TokenType{TokenVariableStart, TokenName, TokenDot, TokenNumber, TokenDot, TokenNumber, TokenVariableEnd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := tokenize(t, DefaultLexerConfig(), tt.template)
			if got := tokenTypes(tokens); !sameTypes(got, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
			for _, tok := range tokens {
				if tok.Type == TokenNumber && tok.Value != "2.5" && tok.Value != "1" && tok.Value != "0" {
					t.Fatalf("unexpected number %q", tok.Value)
				}
			}
		})
	}
}

func TestOperatorTokenization(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected []TokenType
	}{
		{
			"arithmetic",
			"{{ a + b * c / d - e // f ** g % h }}",
			[]TokenType{TokenVariableStart, TokenName, TokenAdd, TokenName, TokenMul, TokenName, TokenDiv, TokenName, TokenSub,
				TokenName, TokenFloorDiv, TokenName, TokenPow, TokenName, TokenMod, TokenName, TokenVariableEnd},
		},
		{
			"comparison",
			"{{ a == b and c != d or not e in f }}",
			[]TokenType{TokenVariableStart, TokenName, TokenComparison, TokenName, TokenAnd, TokenName, TokenComparison, TokenName,
				TokenOr, TokenNot, TokenName, TokenComparison, TokenName, TokenVariableEnd},
		},
		{
			"tests stay names",
			"{{ x is not defined }}",
			[]TokenType{TokenVariableStart, TokenName, TokenName, TokenNot, TokenName, TokenVariableEnd},
		},
		{
			"pipe and concat",
			"{{ value | filter ~ 'x' }}",
			[]TokenType{TokenVariableStart, TokenName, TokenPipe, TokenName, TokenAdd, TokenString, TokenVariableEnd},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenTypes(tokenize(t, DefaultLexerConfig(), tt.template)); !sameTypes(got, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestLineStatementsAndComments(t *testing.T) {
	config := DefaultLexerConfig()
	config.Delimiters.LineStatement = "#"
	config.Delimiters.LineComment = "##"

	tokens := tokenize(t, config, "## heading note\n# for x in y:\n- {{ x }}\n  # endfor")
	expected := []TokenType{
		TokenBlockStart, TokenName, TokenName, TokenComparison, TokenName, TokenColon, TokenBlockEnd,
		TokenText, TokenVariableStart, TokenName, TokenVariableEnd, TokenText,
		TokenBlockStart, TokenName, TokenBlockEnd,
	}
	if got := tokenTypes(tokens); !sameTypes(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	if got := texts(tokens); !sameStrings(got, []string{"- ", "\n"}) {
		t.Fatalf("unexpected data %q", got)
	}
}

func TestLineStatementSpansOpenBrackets(t *testing.T) {
	config := DefaultLexerConfig()
	config.Delimiters.LineStatement = "%"

	tokens := tokenize(t, config, "% set xs = [1,\n  2]\n{{ xs }}")
	var ends int
	for _, tok := range tokens {
		if tok.Type == TokenBlockEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected one statement end, got %d in %v", ends, tokens)
	}
}

func TestNewlineHandling(t *testing.T) {
	config := DefaultLexerConfig()
	if got := texts(tokenize(t, config, "a\r\nb\n")); !sameStrings(got, []string{"a\nb"}) {
		t.Fatalf("unexpected default newline handling %q", got)
	}

	config.KeepTrailingNewline = true
	config.NewlineSequence = "\r\n"
	if got := texts(tokenize(t, config, "a\nb\n")); !sameStrings(got, []string{"a\r\nb\r\n"}) {
		t.Fatalf("unexpected newline sequence handling %q", got)
	}
}

func TestInitialVariableState(t *testing.T) {
	stream, err := NewLexer(DefaultLexerConfig()).Tokenize("name }} tail", "test", "test.html", StateVariableBegin)
	if err != nil {
		t.Fatalf("Tokenize failed: %v", err)
	}
	var got []TokenType
	for !stream.Eof() {
		got = append(got, stream.Next().Type)
	}
	if !sameTypes(got, []TokenType{TokenName, TokenVariableEnd, TokenText}) {
		t.Fatalf("unexpected tokens %v", got)
	}

	if _, err := NewLexer(DefaultLexerConfig()).Tokenize("x", "test", "test.html", "bogus"); err == nil {
		t.Fatal("expected error for unknown initial state")
	}
}

func TestErrorHandling(t *testing.T) {
	tests := []struct {
		name     string
		template string
		errMsg   string
	}{
		{"unclosed variable", "{{ name", "missing"},
		{"unclosed block", "{% if condition", "missing"},
		{"unclosed comment", "{# comment", "missing"},
		{"unclosed raw", "{% raw %}abc", "missing"},
		{"unclosed braces", "{{ func({})", "unclosed"},
		{"mismatched braces", "{{ func({]})", "unclosed"},
		{"unterminated string", `{{ "abc }}`, "unterminated"},
		{"unknown character", "{{ a ! b }}", "unexpected character"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLexer(DefaultLexerConfig()).Tokenize(tt.template, "test", "test.html", "")
			if err == nil {
				t.Fatal("expected an error")
			}
			var lexErr *LexerError
			if !errors.As(err, &lexErr) {
				t.Fatalf("expected *LexerError, got %T", err)
			}
			if !strings.Contains(lexErr.Message, tt.errMsg) {
				t.Fatalf("expected message containing %q, got %q", tt.errMsg, lexErr.Message)
			}
		})
	}
}

func TestErrorPosition(t *testing.T) {
	_, err := NewLexer(DefaultLexerConfig()).Tokenize("ok\n{{ a ? b }}", "test", "test.html", "")
	var lexErr *LexerError
	if !errors.As(err, &lexErr) {
		t.Fatalf("expected *LexerError, got %v", err)
	}
	if lexErr.Line != 2 || lexErr.Column != 6 {
		t.Fatalf("unexpected error location: line %d column %d", lexErr.Line, lexErr.Column)
	}
}

func TestComplexTemplate(t *testing.T) {
	template := `<!DOCTYPE html>
<html>
<head>
    <title>{{ title or "Default Title" }}</title>
</head>
<body>
    {# This is a comment #}
    {% if user %}
        <h1>Welcome {{ user.name }}!</h1>
        <p>You have {{ user.messages|length }} messages.</p>
    {% else %}
        <p>Please <a href="/login">log in</a>.</p>
    {% endif %}

    {% for item in items %}
        <div class="item">
            <h3>{{ item.title }}</h3>
            <p>{{ item.description|truncate(100) }}</p>
        </div>
    {% endfor %}
</body>
</html>`

	variableCount, blockCount := 0, 0
	for _, tok := range tokenize(t, DefaultLexerConfig(), template) {
		switch tok.Type {
		case TokenVariableStart, TokenVariableEnd:
			variableCount++
		case TokenBlockStart, TokenBlockEnd:
			blockCount++
		}
	}
	if variableCount != 10 {
		t.Fatalf("expected 10 variable delimiters, got %d", variableCount)
	}
	if blockCount != 10 {
		t.Fatalf("expected 10 block delimiters, got %d", blockCount)
	}
}
