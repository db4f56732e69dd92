package lexer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// LexerError reports the position the lexer could not get past.
type LexerError struct {
	Message string
	Line    int
	Column  int
	Pos     int
}

func (e LexerError) Error() string {
	return fmt.Sprintf("%s at line %d, column %d", e.Message, e.Line, e.Column)
}

// LexerState selects where tokenizing starts.
type LexerState string

const (
	StateRoot          LexerState = "root"
	StateVariableBegin LexerState = "variable_begin"
	StateBlockBegin    LexerState = "block_begin"
)

// LexerConfig holds configuration for the lexer
type LexerConfig struct {
	Delimiters          Delimiters
	TrimBlocks          bool
	LstripBlocks        bool
	NewlineSequence     string
	KeepTrailingNewline bool
}

func DefaultLexerConfig() LexerConfig {
	return LexerConfig{
		Delimiters:      DefaultDelimiters(),
		NewlineSequence: "\n",
	}
}

// Lexer turns template source into a token stream. A Lexer is immutable
// once built and may be shared between goroutines.
type Lexer struct {
	config   LexerConfig
	rawBegin *regexp.Regexp
	rawEnd   *regexp.Regexp
}

// NewLexer creates a new lexer with the given configuration
func NewLexer(config LexerConfig) *Lexer {
	if config.NewlineSequence == "" {
		config.NewlineSequence = "\n"
	}
	q := regexp.QuoteMeta
	d := config.Delimiters
	return &Lexer{
		config:   config,
		rawBegin: regexp.MustCompile(`^` + q(d.BlockStart) + `([-+]?)\s*(?:raw|verbatim)\s*(-?)` + q(d.BlockEnd)),
		rawEnd:   regexp.MustCompile(q(d.BlockStart) + `([-+]?)\s*end(?:raw|verbatim)\s*([-+]?)` + q(d.BlockEnd)),
	}
}

// Tokenize tokenizes source. An initial state of StateVariableBegin or
// StateBlockBegin lexes source as if the opening delimiter had already been
// consumed.
func (l *Lexer) Tokenize(source, name, filename string, initialState LexerState) (*TokenStream, error) {
	source = newlineRegex.ReplaceAllString(source, "\n")
	if !l.config.KeepTrailingNewline {
		source = strings.TrimSuffix(source, "\n")
	}

	s := &scanner{lexer: l, cfg: &l.config, src: source, line: 1, col: 1}
	if err := s.run(initialState); err != nil {
		return nil, err
	}
	return NewTokenStream(s.tokens), nil
}

var newlineRegex = regexp.MustCompile(`\r\n|\r`)

type tagKind int

const (
	tagVariable tagKind = iota
	tagBlock
	tagComment
	tagRaw
	tagLineStatement
	tagLineComment
)

// opening is the next place in root state where data stops.
type opening struct {
	at    int
	kind  tagKind
	delim string
	// indent is the whitespace in front of a line statement or comment prefix.
	indent int
}

type scanner struct {
	lexer   *Lexer
	cfg     *LexerConfig
	src     string
	pos     int
	line    int
	col     int
	balance []byte
	tokens  []Token
}

func (s *scanner) run(initial LexerState) error {
	switch initial {
	case "", StateRoot:
	case StateVariableBegin:
		if err := s.lexTag(tagVariable); err != nil {
			return err
		}
	case StateBlockBegin:
		if err := s.lexTag(tagBlock); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid initial state: %s", initial)
	}
	for s.pos < len(s.src) {
		if err := s.lexRoot(); err != nil {
			return err
		}
	}
	return nil
}

func (s *scanner) lexRoot() error {
	open, ok := s.nextOpening()
	if !ok {
		s.data(s.src[s.pos:], len(s.src))
		return nil
	}

	var sign byte
	var rawLoc []int
	if open.kind == tagVariable || open.kind == tagBlock || open.kind == tagComment {
		if i := open.at + len(open.delim); i < len(s.src) && (s.src[i] == '-' || s.src[i] == '+') {
			sign = s.src[i]
		}
	}
	if open.kind == tagBlock {
		if loc := s.lexer.rawBegin.FindStringSubmatchIndex(s.src[open.at:]); loc != nil {
			open.kind = tagRaw
			rawLoc = loc
		}
	}

	s.data(s.stripBefore(s.src[s.pos:open.at], s.pos, sign, open.kind), open.at)

	switch open.kind {
	case tagComment:
		return s.lexComment(sign)
	case tagRaw:
		return s.lexRaw(rawLoc)
	case tagLineComment:
		end := len(s.src)
		if nl := strings.IndexByte(s.src[s.pos:], '\n'); nl >= 0 {
			end = s.pos + nl + 1
		}
		s.advance(end)
		return nil
	case tagLineStatement:
		s.advance(s.pos + open.indent)
		s.emit(TokenBlockStart, open.delim)
		s.advance(s.pos + len(open.delim))
		return s.lexTag(tagLineStatement)
	case tagVariable:
		s.emit(TokenVariableStart, open.delim)
	default:
		s.emit(TokenBlockStart, open.delim)
	}
	skip := len(open.delim)
	if sign != 0 {
		skip++
	}
	s.advance(s.pos + skip)
	return s.lexTag(open.kind)
}

// nextOpening finds the earliest tag delimiter or line prefix at or after
// the current position.
func (s *scanner) nextOpening() (opening, bool) {
	d := s.cfg.Delimiters
	best := opening{at: -1}
	for _, cand := range []opening{
		{kind: tagBlock, delim: d.BlockStart},
		{kind: tagVariable, delim: d.VariableStart},
		{kind: tagComment, delim: d.CommentStart},
	} {
		if cand.delim == "" {
			continue
		}
		idx := strings.Index(s.src[s.pos:], cand.delim)
		if idx < 0 {
			continue
		}
		cand.at = s.pos + idx
		if best.at < 0 || cand.at < best.at || (cand.at == best.at && len(cand.delim) > len(best.delim)) {
			best = cand
		}
	}

	if d.LineStatement == "" && d.LineComment == "" {
		return best, best.at >= 0
	}
	limit := len(s.src)
	if best.at >= 0 {
		limit = best.at
	}
	for start := s.pos; start <= limit; {
		if start == 0 || s.src[start-1] == '\n' {
			if open, ok := s.linePrefixAt(start); ok {
				return open, true
			}
		}
		nl := strings.IndexByte(s.src[start:limit], '\n')
		if nl < 0 {
			break
		}
		start += nl + 1
	}
	return best, best.at >= 0
}

// linePrefixAt reports a line statement or line comment prefix at the line
// starting at start. The longer prefix wins when both match.
func (s *scanner) linePrefixAt(start int) (opening, bool) {
	d := s.cfg.Delimiters
	rest := s.src[start:]
	indent := len(rest) - len(strings.TrimLeft(rest, " \t\v"))
	rest = rest[indent:]

	var open opening
	if d.LineStatement != "" && strings.HasPrefix(rest, d.LineStatement) {
		open = opening{at: start, kind: tagLineStatement, delim: d.LineStatement, indent: indent}
	}
	if d.LineComment != "" && strings.HasPrefix(rest, d.LineComment) && len(d.LineComment) >= len(open.delim) {
		open = opening{at: start, kind: tagLineComment, delim: d.LineComment, indent: indent}
	}
	return open, open.delim != ""
}

// stripBefore applies the whitespace control of the tag that follows text.
// A minus sign strips all trailing whitespace. Otherwise, with lstrip_blocks,
// blocks and comments swallow the indentation of their own line.
func (s *scanner) stripBefore(text string, start int, sign byte, kind tagKind) string {
	if sign == '-' {
		return strings.TrimRightFunc(text, unicode.IsSpace)
	}
	if sign == '+' || !s.cfg.LstripBlocks {
		return text
	}
	if kind != tagBlock && kind != tagComment && kind != tagRaw {
		return text
	}
	lineStart := strings.LastIndexByte(text, '\n') + 1
	if lineStart == 0 && start > 0 && s.src[start-1] != '\n' {
		return text
	}
	if strings.TrimLeft(text[lineStart:], " \t") == "" {
		return text[:lineStart]
	}
	return text
}

// lexTag lexes the inside of a variable, block or line statement up to and
// including its closing delimiter.
func (s *scanner) lexTag(kind tagKind) error {
	for {
		if s.pos >= len(s.src) {
			if len(s.balance) > 0 {
				return s.errorf("unclosed %q", string(s.balance[len(s.balance)-1]))
			}
			if kind == tagLineStatement {
				s.emit(TokenBlockEnd, "")
				return nil
			}
			return s.errorf("unexpected end of template, missing %q", s.endDelim(kind))
		}

		r, size := utf8.DecodeRuneInString(s.src[s.pos:])
		if unicode.IsSpace(r) {
			if r == '\n' && kind == tagLineStatement && len(s.balance) == 0 {
				s.emit(TokenBlockEnd, "")
				s.advance(s.pos + 1)
				return nil
			}
			s.advance(s.pos + size)
			continue
		}

		if len(s.balance) == 0 && kind != tagLineStatement {
			if done := s.tagEnd(kind); done {
				return nil
			}
		}

		if err := s.lexOperand(r); err != nil {
			return err
		}
	}
}

func (s *scanner) endDelim(kind tagKind) string {
	if kind == tagVariable {
		return s.cfg.Delimiters.VariableEnd
	}
	return s.cfg.Delimiters.BlockEnd
}

// tagEnd consumes the closing delimiter of a variable or block together
// with its whitespace control sign.
func (s *scanner) tagEnd(kind tagKind) bool {
	end := s.endDelim(kind)
	rest := s.src[s.pos:]

	var sign byte
	switch {
	case strings.HasPrefix(rest, "-"+end):
		sign = '-'
	case kind == tagBlock && strings.HasPrefix(rest, "+"+end):
		sign = '+'
	case strings.HasPrefix(rest, end):
	default:
		return false
	}

	typ := TokenVariableEnd
	if kind == tagBlock {
		typ = TokenBlockEnd
	}
	s.emit(typ, end)
	n := len(end)
	if sign != 0 {
		n++
	}
	s.advance(s.pos + n)
	s.afterTag(sign, kind == tagBlock)
	return true
}

// afterTag applies the whitespace control of a closing delimiter to the
// data that follows it.
func (s *scanner) afterTag(sign byte, trimmable bool) {
	rest := s.src[s.pos:]
	switch {
	case sign == '-':
		s.advance(s.pos + len(rest) - len(strings.TrimLeftFunc(rest, unicode.IsSpace)))
	case sign != '+' && trimmable && s.cfg.TrimBlocks && strings.HasPrefix(rest, "\n"):
		s.advance(s.pos + 1)
	}
}

func (s *scanner) lexComment(sign byte) error {
	d := s.cfg.Delimiters
	bodyStart := s.pos + len(d.CommentStart)
	if sign != 0 {
		bodyStart++
	}
	idx := strings.Index(s.src[bodyStart:], d.CommentEnd)
	if idx < 0 {
		return s.errorf("missing end of comment tag %q", d.CommentEnd)
	}
	endAt := bodyStart + idx

	var endSign byte
	if idx > 0 && (s.src[endAt-1] == '-' || s.src[endAt-1] == '+') {
		endSign = s.src[endAt-1]
	}
	s.advance(endAt + len(d.CommentEnd))
	s.afterTag(endSign, true)
	return nil
}

// lexRaw emits the body of a raw or verbatim block as a single data token.
// loc is the match of the opening tag relative to the current position.
func (s *scanner) lexRaw(loc []int) error {
	openAt := s.pos
	bodyStart := openAt + loc[1]
	stripLeading := loc[5] > loc[4]

	m := s.lexer.rawEnd.FindStringSubmatchIndex(s.src[bodyStart:])
	if m == nil {
		return s.errorf("missing end of raw directive")
	}
	body := s.src[bodyStart : bodyStart+m[0]]
	if stripLeading {
		body = strings.TrimLeftFunc(body, unicode.IsSpace)
	}
	var endOpenSign byte
	if m[3] > m[2] {
		endOpenSign = s.src[bodyStart+m[2]]
	}
	body = s.stripBefore(body, bodyStart, endOpenSign, tagRaw)

	s.advance(bodyStart)
	if body != "" {
		s.emit(TokenText, s.newlines(body))
	}
	s.advance(bodyStart + m[1])

	var endCloseSign byte
	if m[5] > m[4] {
		endCloseSign = s.src[bodyStart+m[4]]
	}
	s.afterTag(endCloseSign, true)
	return nil
}

func (s *scanner) lexOperand(r rune) error {
	switch {
	case r >= '0' && r <= '9':
		return s.lexNumber()
	case r == '_' || unicode.IsLetter(r):
		s.lexName()
		return nil
	case r == '"' || r == '\'':
		return s.lexString(byte(r))
	}
	return s.lexOperator()
}

var (
	floatLiteral   = regexp.MustCompile(`^\d+(?:_\d+)*(?:\.\d+(?:_\d+)*(?:[eE][+-]?\d+(?:_\d+)*)?|[eE][+-]?\d+(?:_\d+)*)`)
	integerLiteral = regexp.MustCompile(`^(?:0[bB](?:_?[01])+|0[oO](?:_?[0-7])+|0[xX](?:_?[0-9a-fA-F])+|\d(?:_?\d)*)`)
)

// lexNumber emits a number token. Integers are normalized to decimal, floats
// keep their spelling minus digit separators. A number right after a dot is
// an attribute index, so "x.0.1" never lexes a float.
func (s *scanner) lexNumber() error {
	rest := s.src[s.pos:]
	afterDot := s.pos > 0 && s.src[s.pos-1] == '.'
	if lit := floatLiteral.FindString(rest); lit != "" && !afterDot {
		s.emit(TokenNumber, strings.ReplaceAll(lit, "_", ""))
		s.advance(s.pos + len(lit))
		return nil
	}

	lit := integerLiteral.FindString(rest)
	digits := strings.ReplaceAll(lit, "_", "")
	base := 10
	if len(digits) > 1 && digits[0] == '0' && strings.ContainsAny(digits[1:2], "bBoOxX") {
		base = 0
	}
	n, err := strconv.ParseInt(digits, base, 64)
	if err != nil {
		return s.errorf("invalid integer literal %q", lit)
	}
	s.emit(TokenNumber, strconv.FormatInt(n, 10))
	s.advance(s.pos + len(lit))
	return nil
}

func (s *scanner) lexName() {
	end := s.pos
	for end < len(s.src) {
		r, size := utf8.DecodeRuneInString(s.src[end:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		end += size
	}
	word := s.src[s.pos:end]

	typ := TokenName
	switch word {
	case "and":
		typ = TokenAnd
	case "or":
		typ = TokenOr
	case "not":
		typ = TokenNot
	case "in":
		typ = TokenComparison
	}
	s.emit(typ, word)
	s.advance(end)
}

func (s *scanner) lexString(quote byte) error {
	i := s.pos + 1
	for i < len(s.src) {
		switch s.src[i] {
		case '\\':
			i += 2
			continue
		case quote:
			s.emit(TokenString, unescape(s.src[s.pos+1:i]))
			s.advance(i + 1)
			return nil
		}
		i++
	}
	return s.errorf("unterminated string")
}

var operatorTokens = map[string]TokenType{
	"//": TokenFloorDiv,
	"**": TokenPow,
	"==": TokenComparison,
	"!=": TokenComparison,
	">=": TokenComparison,
	"<=": TokenComparison,
	">":  TokenComparison,
	"<":  TokenComparison,
	"=":  TokenAssign,
	"+":  TokenAdd,
	"~":  TokenAdd,
	"-":  TokenSub,
	"*":  TokenMul,
	"/":  TokenDiv,
	"%":  TokenMod,
	".":  TokenDot,
	":":  TokenColon,
	"|":  TokenPipe,
	",":  TokenComma,
	";":  TokenSemicolon,
	"(":  TokenLeftParen,
	")":  TokenRightParen,
	"[":  TokenLeftBracket,
	"]":  TokenRightBracket,
	"{":  TokenLeftCurly,
	"}":  TokenRightCurly,
}

var closers = map[byte]byte{'(': ')', '[': ']', '{': '}'}

func (s *scanner) lexOperator() error {
	rest := s.src[s.pos:]
	op := ""
	if len(rest) >= 2 {
		if _, ok := operatorTokens[rest[:2]]; ok {
			op = rest[:2]
		}
	}
	if op == "" {
		if _, ok := operatorTokens[rest[:1]]; ok {
			op = rest[:1]
		}
	}
	if op == "" {
		r, _ := utf8.DecodeRuneInString(rest)
		return s.errorf("unexpected character %q", r)
	}

	c := op[0]
	switch c {
	case '(', '[', '{':
		s.balance = append(s.balance, c)
	case ')', ']', '}':
		if len(s.balance) == 0 {
			return s.errorf("unexpected %q", op)
		}
		open := s.balance[len(s.balance)-1]
		if closers[open] != c {
			return s.errorf("unexpected %q while %q is unclosed", op, string(open))
		}
		s.balance = s.balance[:len(s.balance)-1]
	}

	s.emit(operatorTokens[op], op)
	s.advance(s.pos + len(op))
	return nil
}

// data emits text as a data token and moves past the source up to to,
// which may include whitespace the text no longer carries.
func (s *scanner) data(text string, to int) {
	if text != "" {
		s.emit(TokenText, s.newlines(text))
	}
	s.advance(to)
}

func (s *scanner) newlines(text string) string {
	if s.cfg.NewlineSequence == "\n" {
		return text
	}
	return strings.ReplaceAll(text, "\n", s.cfg.NewlineSequence)
}

func (s *scanner) emit(typ TokenType, value string) {
	s.tokens = append(s.tokens, Token{Type: typ, Value: value, Line: s.line, Column: s.col, Position: s.pos})
}

func (s *scanner) advance(to int) {
	for _, r := range s.src[s.pos:to] {
		if r == '\n' {
			s.line++
			s.col = 1
		} else {
			s.col++
		}
	}
	s.pos = to
}

func (s *scanner) errorf(format string, args ...interface{}) error {
	return &LexerError{Message: fmt.Sprintf(format, args...), Line: s.line, Column: s.col, Pos: s.pos}
}

// unescape resolves backslash escapes in a string literal body. Unknown
// escapes are kept verbatim.
func unescape(body string) string {
	if !strings.Contains(body, `\`) {
		return body
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 == len(body) {
			b.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"':
			b.WriteByte(body[i])
		case '\n':
		case 'x', 'u', 'U':
			width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[body[i]]
			if i+width < len(body) {
				if n, err := strconv.ParseUint(body[i+1:i+1+width], 16, 32); err == nil {
					b.WriteRune(rune(n))
					i += width
					continue
				}
			}
			b.WriteByte('\\')
			b.WriteByte(body[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(body[i])
		}
	}
	return b.String()
}
