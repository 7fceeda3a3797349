package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Condition expression grammar, evaluated against prior step outputs:
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := cmp ("&&" cmp)*
//	cmp     := unary (("=="|"!="|">"|"<"|">="|"<=") unary)?
//	unary   := "!" unary | primary
//	primary := NUMBER | STRING | "true" | "false" | PATH | "(" expr ")"
//
// A PATH is a dot-separated identifier whose first segment is a step id and
// whose remaining segments index into that step's output when the output is
// a map (e.g. `review.score >= 0.8`). A bare step id resolves to the step's
// whole output. Unknown paths resolve to nil: nil equals only nil, orders
// below every non-nil value, and is falsy. Numbers compare numerically when
// both sides convert, otherwise both sides compare as strings. There is no
// arithmetic and there are no function calls.

// EvalCondition evaluates a condition expression against the outputs of
// completed steps, keyed by step id.
func EvalCondition(expr string, outputs map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	p := &condParser{src: expr, outputs: outputs}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return false, fmt.Errorf("condition %q: trailing input at offset %d", expr, p.pos)
	}
	return truthy(v), nil
}

// CheckCondition verifies that an expression is syntactically valid without
// evaluating step outputs.
func CheckCondition(expr string) error {
	_, err := EvalCondition(expr, nil)
	return err
}

// condParser is a recursive-descent parser that scans and evaluates in a
// single pass.
type condParser struct {
	src     string
	pos     int
	outputs map[string]any
}

func (p *condParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.consumeOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *condParser) parseAnd() (any, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.consumeOp("&&") {
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *condParser) parseCmp() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for _, op := range [...]string{"==", "!=", ">=", "<=", ">", "<"} {
		if p.consumeOp(op) {
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compare(left, op, right), nil
		}
	}
	return left, nil
}

func (p *condParser) parseUnary() (any, error) {
	p.skipSpace()
	// "!" but not "!=": negation binds to the operand that follows.
	if strings.HasPrefix(p.rest(), "!") && !strings.HasPrefix(p.rest(), "!=") {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("condition %q: unexpected end of expression", p.src)
	}

	switch c := p.src[p.pos]; {
	case c == '(':
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return nil, fmt.Errorf("condition %q: missing closing parenthesis", p.src)
		}
		p.pos++
		return v, nil

	case c == '"', c == '\'':
		return p.scanString(rune(c))

	case c >= '0' && c <= '9', c == '-':
		return p.scanNumber()

	default:
		ident := p.scanIdent()
		if ident == "" {
			return nil, fmt.Errorf("condition %q: unexpected character %q at offset %d", p.src, c, p.pos)
		}
		switch ident {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return lookupPath(p.outputs, ident), nil
	}
}

func (p *condParser) rest() string { return p.src[p.pos:] }

func (p *condParser) skipSpace() {
	for p.pos < len(p.src) {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += size
	}
}

func (p *condParser) consumeOp(op string) bool {
	p.skipSpace()
	rest := p.rest()
	if !strings.HasPrefix(rest, op) {
		return false
	}
	// ">" must not swallow the ">" of ">=" (callers try the two-char forms
	// first), but it must also not match when the source reads ">=".
	if len(op) == 1 && len(rest) > 1 && rest[1] == '=' && (op == ">" || op == "<") {
		return false
	}
	p.pos += len(op)
	return true
}

func (p *condParser) scanString(quote rune) (string, error) {
	start := p.pos
	p.pos++ // opening quote
	var sb strings.Builder
	for p.pos < len(p.src) {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		p.pos += size
		switch r {
		case '\\':
			if p.pos < len(p.src) {
				esc, escSize := utf8.DecodeRuneInString(p.src[p.pos:])
				sb.WriteRune(esc)
				p.pos += escSize
			}
		case quote:
			return sb.String(), nil
		default:
			sb.WriteRune(r)
		}
	}
	return "", fmt.Errorf("condition %q: unterminated string at offset %d", p.src, start)
}

func (p *condParser) scanNumber() (float64, error) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	lit := p.src[start:p.pos]
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, fmt.Errorf("condition %q: invalid number %q", p.src, lit)
	}
	return f, nil
}

func (p *condParser) scanIdent() string {
	start := p.pos
	for p.pos < len(p.src) {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-' {
			break
		}
		p.pos += size
	}
	return p.src[start:p.pos]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// conditionStepRefs returns the step ids referenced by an expression: the
// first segment of each identifier path, excluding boolean literals. Used to
// decide when a false condition can no longer change.
func conditionStepRefs(expr string) []string {
	p := &condParser{src: expr}
	seen := make(map[string]struct{})
	var refs []string
	for p.pos < len(p.src) {
		p.skipSpace()
		if p.pos >= len(p.src) {
			break
		}
		switch c := p.src[p.pos]; {
		case c == '"', c == '\'':
			_, _ = p.scanString(rune(c)) // skip literal; errors end the scan
		case isDigit(c):
			_, _ = p.scanNumber()
		default:
			ident := p.scanIdent()
			if ident == "" {
				p.pos++
				continue
			}
			if ident == "true" || ident == "false" {
				continue
			}
			ref := strings.SplitN(ident, ".", 2)[0]
			if _, ok := seen[ref]; !ok {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// lookupPath resolves a dot path against the outputs map. The first segment
// selects a step's output; remaining segments descend into map values.
func lookupPath(outputs map[string]any, path string) any {
	if outputs == nil {
		return nil
	}
	segments := strings.Split(path, ".")
	current, ok := outputs[segments[0]]
	if !ok {
		return nil
	}
	for _, seg := range segments[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		if current, ok = m[seg]; !ok {
			return nil
		}
	}
	return current
}

// compare evaluates a comparison between two values. Nil equals only nil and
// orders below every non-nil value.
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == nil && right == nil
		case "!=":
			return !(left == nil && right == nil)
		case "<", "<=":
			return left == nil
		case ">", ">=":
			return right == nil
		}
		return false
	}

	if lf, lok := asFloat(left); lok {
		if rf, rok := asFloat(right); rok {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case ">":
				return lf > rf
			case "<":
				return lf < rf
			case ">=":
				return lf >= rf
			case "<=":
				return lf <= rf
			}
		}
	}

	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
