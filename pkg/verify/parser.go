package verify

import (
	"fmt"
	"strings"
	"time"
)

// ParseError is one structural defect found by the lightweight parser.
type ParseError struct {
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Span     int    `json:"span"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ParseError) String() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

// ParseResult is the Tier 0 output: a structural sketch plus an error list.
type ParseResult struct {
	Errors      []ParseError `json:"errors,omitempty"`
	Functions   []string     `json:"functions,omitempty"`
	Classes     []string     `json:"classes,omitempty"`
	ParseTimeUs int64        `json:"parse_time_us"`
}

// Confidence applies the tiered penalty: 1 − 0.3·min(errors, 3).
func (r *ParseResult) Confidence() float64 {
	n := len(r.Errors)
	if n > 3 {
		n = 3
	}
	return 1 - 0.3*float64(n)
}

// Parser is a fast structural checker. It does not build a full AST; it
// balances brackets, validates indentation and string termination, and
// extracts top-level definitions. Good enough for a sub-10ms gate ahead of
// the real static tier.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// Parse checks code structure for the given language. Unknown languages get
// bracket balancing only.
func (p *Parser) Parse(code, language string) *ParseResult {
	start := time.Now()
	res := &ParseResult{}
	if strings.TrimSpace(code) == "" {
		res.Errors = append(res.Errors, ParseError{
			Line: 1, Column: 1, Message: "empty program", Severity: "error",
		})
		res.ParseTimeUs = time.Since(start).Microseconds()
		return res
	}

	p.checkBrackets(code, res)
	if language == "python" || language == "" {
		p.checkPython(code, res)
	}
	res.ParseTimeUs = time.Since(start).Microseconds()
	return res
}

type bracketFrame struct {
	ch   byte
	line int
	col  int
}

// checkBrackets balances (), [], {} while skipping string literals and
// line comments.
func (p *Parser) checkBrackets(code string, res *ParseResult) {
	var stack []bracketFrame
	line, col := 1, 0
	var inString byte
	escaped := false
	inComment := false

	for i := 0; i < len(code); i++ {
		c := code[i]
		col++
		if c == '\n' {
			line++
			col = 0
			inComment = false
			if inString != 0 && inString != '`' {
				// unterminated single-line string is reported by checkPython
				inString = 0
			}
			continue
		}
		if inComment {
			continue
		}
		if inString != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '#':
			inComment = true
		case '"', '\'', '`':
			inString = c
		case '(', '[', '{':
			stack = append(stack, bracketFrame{ch: c, line: line, col: col})
		case ')', ']', '}':
			if len(stack) == 0 {
				res.Errors = append(res.Errors, ParseError{
					Line: line, Column: col, Span: 1,
					Message:  fmt.Sprintf("unmatched %q", c),
					Severity: "error",
				})
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !matches(top.ch, c) {
				res.Errors = append(res.Errors, ParseError{
					Line: line, Column: col, Span: 1,
					Message:  fmt.Sprintf("mismatched %q, expected closer for %q opened at %d:%d", c, top.ch, top.line, top.col),
					Severity: "error",
				})
			}
		}
	}
	for _, f := range stack {
		res.Errors = append(res.Errors, ParseError{
			Line: f.line, Column: f.col, Span: 1,
			Message:  fmt.Sprintf("unclosed %q", f.ch),
			Severity: "error",
		})
	}
}

func matches(open, close byte) bool {
	switch open {
	case '(':
		return close == ')'
	case '[':
		return close == ']'
	case '{':
		return close == '}'
	}
	return false
}

// checkPython validates block headers, indentation consistency, and extracts
// top-level def/class names.
func (p *Parser) checkPython(code string, res *ParseResult) {
	lines := strings.Split(code, "\n")
	expectIndent := false
	headerLine := 0

	for i, raw := range lines {
		lineNo := i + 1
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := len(raw) - len(strings.TrimLeft(raw, " \t"))

		if expectIndent {
			if indent == 0 {
				res.Errors = append(res.Errors, ParseError{
					Line: lineNo, Column: 1, Span: len(trimmed),
					Message:  fmt.Sprintf("expected indented block after line %d", headerLine),
					Severity: "error",
				})
			}
			expectIndent = false
		}

		if strings.ContainsAny(raw, "\t") && strings.Contains(raw, "    ") {
			res.Errors = append(res.Errors, ParseError{
				Line: lineNo, Column: 1, Span: 1,
				Message:  "mixed tabs and spaces in indentation",
				Severity: "warning",
			})
		}

		if name, ok := defName(trimmed, "def "); ok {
			if indent == 0 {
				res.Functions = append(res.Functions, name)
			}
		} else if name, ok := defName(trimmed, "class "); ok {
			if indent == 0 {
				res.Classes = append(res.Classes, name)
			}
		}

		if strings.HasSuffix(trimmed, ":") && isBlockHeader(trimmed) {
			expectIndent = true
			headerLine = lineNo
		}
	}
	if expectIndent {
		res.Errors = append(res.Errors, ParseError{
			Line: headerLine, Column: 1, Span: 1,
			Message:  "block header at end of file has no body",
			Severity: "error",
		})
	}
}

func defName(line, keyword string) (string, bool) {
	if !strings.HasPrefix(line, keyword) {
		return "", false
	}
	rest := line[len(keyword):]
	end := strings.IndexAny(rest, "(: ")
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}

func isBlockHeader(line string) bool {
	for _, kw := range []string{"def ", "class ", "if ", "elif ", "else", "for ", "while ", "try", "except", "finally", "with "} {
		if strings.HasPrefix(line, kw) {
			return true
		}
	}
	return false
}
