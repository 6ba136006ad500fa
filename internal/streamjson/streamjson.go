// Package streamjson implements a best-effort partial JSON parser for
// tool-call arguments that arrive incrementally as raw text fragments
// (Anthropic's input_json_delta, OpenAI's tool_calls[].function.arguments
// chunks, ...). Feeding it the bytes accumulated so far at any point
// during a stream always yields a value that is a structural prefix of
// whatever the complete document eventually parses to: every object key
// it reports is a real key in the final document with the final value
// (or a leading substring of it, for a string still being typed out),
// every array element is a real element, and nothing is ever reported
// that the finished document wouldn't also contain.
package streamjson

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Parse decodes buf as far as it unambiguously can and returns the
// deepest fully-consumed value, or ok=false if buf doesn't begin with
// enough to produce any value at all (an empty accumulator, or one
// that's still mid-way through its very first token).
//
// A trailing incomplete token — a number or literal truncated before
// its terminator, an object key whose closing quote hasn't arrived, a
// key with no colon yet, a value that hasn't started — is dropped
// rather than guessed at. The one exception is a string: a value that
// is itself a string still being streamed is returned with whatever
// characters have arrived so far, since that partial content is useful
// to show (a file's contents being typed out, say) and unlike a number
// it can't retroactively change meaning as more characters arrive.
func Parse(buf string) (any, bool) {
	p := &parser{src: []byte(buf)}
	return p.parseValue()
}

// ParseJSON is Parse followed by json.Marshal: it returns the partial
// value re-encoded as a standalone, complete JSON document (so a
// trailing partial string value comes back with its closing quote
// added back by the encoder).
func ParseJSON(buf string) (json.RawMessage, bool) {
	v, ok := Parse(buf)
	if !ok {
		return nil, false
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return encoded, true
}

type parser struct {
	src []byte
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) parseValue() (any, bool) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, false
	}
	switch c := p.src[p.pos]; {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case c == '"':
		s, _ := p.parseString()
		return s, true
	case c == '-' || isDigit(c):
		return p.parseNumber()
	case c == 't' || c == 'f' || c == 'n':
		return p.parseLiteral()
	default:
		return nil, false
	}
}

func (p *parser) parseObject() (any, bool) {
	p.pos++ // consume '{'
	obj := map[string]any{}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return obj, true
		}
		if p.src[p.pos] == '}' {
			p.pos++
			return obj, true
		}
		if p.src[p.pos] != '"' {
			return obj, true
		}
		keyStart := p.pos
		key, complete := p.parseString()
		if !complete {
			p.pos = keyStart
			return obj, true
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ':' {
			return obj, true
		}
		p.pos++
		p.skipSpace()
		val, ok := p.parseValue()
		if !ok {
			return obj, true
		}
		obj[key] = val
		p.skipSpace()
		if p.pos >= len(p.src) {
			return obj, true
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return obj, true
		default:
			return obj, true
		}
	}
}

func (p *parser) parseArray() (any, bool) {
	p.pos++ // consume '['
	arr := []any{}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return arr, true
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return arr, true
		}
		val, ok := p.parseValue()
		if !ok {
			return arr, true
		}
		arr = append(arr, val)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return arr, true
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return arr, true
		default:
			return arr, true
		}
	}
}

// parseString consumes a leading '"' and returns the decoded content
// seen so far plus whether a closing '"' was reached. On a truncated
// escape sequence it stops just before the escape started.
func (p *parser) parseString() (string, bool) {
	p.pos++ // consume opening '"'
	var buf []byte
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '"' {
			p.pos++
			return string(buf), true
		}
		if c == '\\' {
			if p.pos+1 >= len(p.src) {
				return string(buf), false
			}
			switch p.src[p.pos+1] {
			case '"', '\\', '/':
				buf = append(buf, p.src[p.pos+1])
				p.pos += 2
			case 'n':
				buf = append(buf, '\n')
				p.pos += 2
			case 't':
				buf = append(buf, '\t')
				p.pos += 2
			case 'r':
				buf = append(buf, '\r')
				p.pos += 2
			case 'b':
				buf = append(buf, '\b')
				p.pos += 2
			case 'f':
				buf = append(buf, '\f')
				p.pos += 2
			case 'u':
				if p.pos+6 > len(p.src) {
					return string(buf), false
				}
				r, err := strconv.ParseUint(string(p.src[p.pos+2:p.pos+6]), 16, 32)
				if err != nil {
					return string(buf), false
				}
				buf = utf8.AppendRune(buf, rune(r))
				p.pos += 6
			default:
				return string(buf), false
			}
			continue
		}
		buf = append(buf, c)
		p.pos++
	}
	return string(buf), false
}

func (p *parser) parseNumber() (any, bool) {
	start := p.pos
	if p.src[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
		p.pos++
	}
	if p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			p.pos++
		}
	}
	if p.pos < len(p.src) && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
		p.pos++
		if p.pos < len(p.src) && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
			p.pos++
		}
		for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			p.pos++
		}
	}
	if p.pos >= len(p.src) {
		// Ran off the end mid-number: it may still grow, so it isn't
		// safe to report yet.
		p.pos = start
		return nil, false
	}
	f, err := strconv.ParseFloat(string(p.src[start:p.pos]), 64)
	if err != nil {
		p.pos = start
		return nil, false
	}
	return f, true
}

func (p *parser) parseLiteral() (any, bool) {
	rest := string(p.src[p.pos:])
	for _, lit := range []struct {
		text  string
		value any
	}{
		{"true", true},
		{"false", false},
		{"null", nil},
	} {
		if len(rest) >= len(lit.text) {
			if rest[:len(lit.text)] == lit.text {
				p.pos += len(lit.text)
				return lit.value, true
			}
			continue
		}
		if strings.HasPrefix(lit.text, rest) {
			// A real prefix of a literal keyword, still arriving.
			return nil, false
		}
	}
	return nil, false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
