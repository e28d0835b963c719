// Package filter compiles Wireshark-style display filter expressions into
// predicates over dissected records, using expr-lang/expr as the expression
// engine.
package filter

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/Zerofisher/capfile/dissect"
)

// Predicate is a compiled display filter. It is immutable and safe to share
// across passes; evaluation errors count as a non-match.
type Predicate struct {
	text    string
	program *vm.Program
}

// Compile compiles a filter expression. An empty expression is a usage
// error; callers represent "no filter" as a nil *Predicate.
func Compile(text string) (*Predicate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty filter expression")
	}
	processed := preprocess(text)
	program, err := expr.Compile(processed, expr.Env(dissect.Fields{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", text, err)
	}
	return &Predicate{text: text, program: program}, nil
}

// Text returns the original expression the predicate was compiled from.
func (p *Predicate) Text() string {
	if p == nil {
		return ""
	}
	return p.text
}

// Match evaluates the predicate against a dissection. A nil predicate
// matches everything.
func (p *Predicate) Match(d *dissect.Dissection) bool {
	if p == nil {
		return true
	}
	result, err := expr.Run(p.program, d.Fields)
	if err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}

// Field is a compiled field reference used to pull single values out of
// dissections, tshark -e style. It accepts the same names display filters
// use.
type Field struct {
	name    string
	program *vm.Program
}

// CompileField compiles a field reference such as "ip.src" or
// "tcp.srcport".
func CompileField(name string) (*Field, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("empty field name")
	}
	program, err := expr.Compile(preprocess(name), expr.Env(dissect.Fields{}))
	if err != nil {
		return nil, fmt.Errorf("compile field %q: %w", name, err)
	}
	return &Field{name: name, program: program}, nil
}

// Name returns the field name as the caller wrote it.
func (f *Field) Name() string { return f.name }

// Value extracts the field's value from a dissection. A failed lookup
// yields nil.
func (f *Field) Value(d *dissect.Dissection) any {
	v, err := expr.Run(f.program, d.Fields)
	if err != nil {
		return nil
	}
	return v
}

// protocolNames maps standalone protocol tokens to the boolean fields the
// dissector sets, so "dns && ip.src == x" works the way it does in
// Wireshark.
var protocolNames = map[string]string{
	"ip":   "is_ip",
	"tcp":  "is_tcp",
	"udp":  "is_udp",
	"dns":  "is_dns",
	"icmp": "is_icmp",
	"arp":  "is_arp",
}

// preprocess converts Wireshark-flavored syntax into what expr accepts:
// standalone protocol names become boolean fields, "tcp.port"/"udp.port"
// expand to src-or-dst comparisons, and set literals use brackets.
func preprocess(text string) string {
	words := tokenize(text)
	for i, word := range words {
		repl, ok := protocolNames[strings.ToLower(word)]
		if !ok {
			continue
		}
		// Leave field references like "tcp.srcport" alone.
		if i+1 < len(words) && words[i+1] == "." {
			continue
		}
		if i > 0 && words[i-1] == "." {
			continue
		}
		words[i] = repl
	}
	text = strings.Join(words, "")

	text = expandPortShorthand(text, "tcp")
	text = expandPortShorthand(text, "udp")

	text = strings.ReplaceAll(text, "{", "[")
	text = strings.ReplaceAll(text, "}", "]")
	return text
}

// expandPortShorthand rewrites "tcp.port == 80" into
// "(tcp.srcport == 80 or tcp.dstport == 80)".
func expandPortShorthand(text, proto string) string {
	needle := proto + ".port =="
	for {
		idx := strings.Index(text, needle)
		if idx == -1 {
			return text
		}
		rest := text[idx+len(needle):]
		value := strings.TrimLeft(rest, " ")
		end := 0
		for end < len(value) && value[end] >= '0' && value[end] <= '9' {
			end++
		}
		if end == 0 {
			return text
		}
		v := value[:end]
		expanded := fmt.Sprintf("(%s.srcport == %s or %s.dstport == %s)", proto, v, proto, v)
		text = text[:idx] + expanded + value[end:]
	}
}

// tokenize splits a filter into words, separators and operators while
// preserving every character, so joining the tokens reproduces the input.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, ch := range text {
		switch ch {
		case ' ', '\t', '\n', '.', '(', ')', '[', ']', '{', '}', ',', '!':
			flush()
			tokens = append(tokens, string(ch))
		case '=', '>', '<', '&', '|':
			if current.Len() > 0 && !isOperator(current.String()) {
				flush()
			}
			current.WriteRune(ch)
		default:
			if isOperator(current.String()) {
				flush()
			}
			current.WriteRune(ch)
		}
	}
	flush()
	return tokens
}

func isOperator(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", ">", "<", "&&", "||", "=", "&", "|":
		return true
	}
	return false
}
