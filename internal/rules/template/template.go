// Package template implements the placeholder mini-language used by rule
// actions and scheduler messages: {variable} substitution plus a small set
// of composable functions, e.g. {upper(group1)} or {if(gt(player_count,0),
// "busy", "empty")}.
package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Context maps variable names to their rendered values.
type Context map[string]string

// Render substitutes every {...} placeholder in tmpl against ctx. Unknown
// plain variables are left untouched (the braces may be literal); a
// malformed or unknown function call fails the whole render so the caller
// can log and skip it.
func Render(tmpl string, ctx Context) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		open += i
		out.WriteString(tmpl[i:open])

		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			out.WriteString(tmpl[open:])
			break
		}
		close += open

		inner := tmpl[open+1 : close]
		rendered, ok, err := evalPlaceholder(inner, ctx)
		if err != nil {
			return "", err
		}
		if ok {
			out.WriteString(rendered)
		} else {
			// Not a known variable and not a call: keep the braces.
			out.WriteString(tmpl[open : close+1])
		}
		i = close + 1
	}
	return out.String(), nil
}

// evalPlaceholder evaluates the text between braces. The second return is
// false when the placeholder is an unknown plain variable.
func evalPlaceholder(inner string, ctx Context) (string, bool, error) {
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" {
		return "", false, nil
	}
	if !strings.Contains(trimmed, "(") {
		val, ok := ctx[trimmed]
		return val, ok, nil
	}

	p := &parser{input: trimmed}
	val, err := p.parseExpr(ctx)
	if err != nil {
		return "", false, fmt.Errorf("placeholder {%s}: %w", trimmed, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return "", false, fmt.Errorf("placeholder {%s}: trailing input at %d", trimmed, p.pos)
	}
	return val, true, nil
}

type parser struct {
	input string
	pos   int
}

// parseExpr handles one expression: a quoted string, a function call, or a
// bare token (variable reference or literal).
func (p *parser) parseExpr(ctx Context) (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return "", fmt.Errorf("unexpected end of input")
	}

	switch c := p.input[p.pos]; {
	case c == '"' || c == '\'':
		return p.parseString(c)
	default:
		token := p.parseToken()
		if token == "" {
			return "", fmt.Errorf("unexpected character %q at %d", c, p.pos)
		}
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == '(' {
			return p.parseCall(token, ctx)
		}
		// Variable reference; an unresolved name evaluates to itself so
		// bare literals like numbers work as arguments.
		if val, ok := ctx[token]; ok {
			return val, nil
		}
		return token, nil
	}
}

func (p *parser) parseString(quote byte) (string, error) {
	p.pos++ // opening quote
	start := p.pos
	for p.pos < len(p.input) {
		if p.input[p.pos] == quote {
			s := p.input[start:p.pos]
			p.pos++
			return s, nil
		}
		p.pos++
	}
	return "", fmt.Errorf("unterminated string")
}

func (p *parser) parseToken() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == '-' {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

func (p *parser) parseCall(name string, ctx Context) (string, error) {
	p.pos++ // opening paren
	var args []string
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == ')' {
		p.pos++
		return applyFunction(name, args)
	}
	for {
		arg, err := p.parseExpr(ctx)
		if err != nil {
			return "", err
		}
		args = append(args, arg)
		p.skipSpace()
		if p.pos >= len(p.input) {
			return "", fmt.Errorf("unterminated call to %s", name)
		}
		switch p.input[p.pos] {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return applyFunction(name, args)
		default:
			return "", fmt.Errorf("unexpected character %q in call to %s", p.input[p.pos], name)
		}
	}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func applyFunction(name string, args []string) (string, error) {
	switch name {
	case "upper":
		if err := arity(name, args, 1); err != nil {
			return "", err
		}
		return strings.ToUpper(args[0]), nil
	case "lower":
		if err := arity(name, args, 1); err != nil {
			return "", err
		}
		return strings.ToLower(args[0]), nil
	case "trim":
		if err := arity(name, args, 1); err != nil {
			return "", err
		}
		return strings.TrimSpace(args[0]), nil
	case "length":
		if err := arity(name, args, 1); err != nil {
			return "", err
		}
		return strconv.Itoa(len([]rune(args[0]))), nil
	case "substr":
		if err := arity(name, args, 3); err != nil {
			return "", err
		}
		return substr(args[0], args[1], args[2])
	case "repeat":
		if err := arity(name, args, 2); err != nil {
			return "", err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return "", fmt.Errorf("repeat: bad count %q", args[1])
		}
		return strings.Repeat(args[0], n), nil
	case "replace":
		if err := arity(name, args, 3); err != nil {
			return "", err
		}
		return strings.ReplaceAll(args[0], args[1], args[2]), nil
	case "if":
		if err := arity(name, args, 3); err != nil {
			return "", err
		}
		if truthy(args[0]) {
			return args[1], nil
		}
		return args[2], nil
	case "contains":
		if err := arity(name, args, 2); err != nil {
			return "", err
		}
		return boolStr(strings.Contains(args[0], args[1])), nil
	case "startsWith":
		if err := arity(name, args, 2); err != nil {
			return "", err
		}
		return boolStr(strings.HasPrefix(args[0], args[1])), nil
	case "endsWith":
		if err := arity(name, args, 2); err != nil {
			return "", err
		}
		return boolStr(strings.HasSuffix(args[0], args[1])), nil
	case "eq", "gt", "lt", "gte", "lte":
		if err := arity(name, args, 2); err != nil {
			return "", err
		}
		return compare(name, args[0], args[1])
	default:
		return "", fmt.Errorf("unknown function %q", name)
	}
}

func arity(name string, args []string, want int) error {
	if len(args) != want {
		return fmt.Errorf("%s expects %d argument(s), got %d", name, want, len(args))
	}
	return nil
}

// substr clamps out-of-range indices instead of failing, so truncating a
// string shorter than the requested window yields the whole string.
func substr(s, startArg, endArg string) (string, error) {
	start, err := strconv.Atoi(startArg)
	if err != nil {
		return "", fmt.Errorf("substr: bad start %q", startArg)
	}
	end, err := strconv.Atoi(endArg)
	if err != nil {
		return "", fmt.Errorf("substr: bad end %q", endArg)
	}
	runes := []rune(s)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return "", nil
	}
	return string(runes[start:end]), nil
}

// compare does a numeric comparison, falling back to string ordering when
// either side is not a number.
func compare(op, a, b string) (string, error) {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	var result bool
	if errA == nil && errB == nil {
		switch op {
		case "eq":
			result = fa == fb
		case "gt":
			result = fa > fb
		case "lt":
			result = fa < fb
		case "gte":
			result = fa >= fb
		case "lte":
			result = fa <= fb
		}
	} else {
		switch op {
		case "eq":
			result = a == b
		case "gt":
			result = a > b
		case "lt":
			result = a < b
		case "gte":
			result = a >= b
		case "lte":
			result = a <= b
		}
	}
	return boolStr(result), nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0":
		return false
	}
	return true
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
