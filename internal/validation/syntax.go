package validation

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
)

// SyntaxChecker reports whether src parses for one language.
type SyntaxChecker interface {
	Check(src string) error
}

// SyntaxCheckerFunc adapts a function to SyntaxChecker.
type SyntaxCheckerFunc func(src string) error

// Check implements SyntaxChecker.
func (f SyntaxCheckerFunc) Check(src string) error { return f(src) }

// SyntaxRegistry maps a language to its checker. Languages without a
// checker are reported as not applicable.
type SyntaxRegistry struct {
	mu       sync.RWMutex
	checkers map[string]SyntaxChecker
}

// NewSyntaxRegistry returns a registry with the built-in checkers.
func NewSyntaxRegistry() *SyntaxRegistry {
	r := &SyntaxRegistry{checkers: make(map[string]SyntaxChecker)}
	r.Register(conflict.LangGo, SyntaxCheckerFunc(checkGo))
	r.Register(conflict.LangJSON, SyntaxCheckerFunc(checkJSON))
	r.Register(conflict.LangYAML, SyntaxCheckerFunc(checkYAML))
	r.Register(conflict.LangTOML, SyntaxCheckerFunc(checkTOML))

	cFamily := bracketChecker{lineComments: []string{"//"}, blockComments: true, quotes: `"'` + "`"}
	for _, lang := range []string{
		conflict.LangJavaScript, conflict.LangTypeScript, conflict.LangJava,
		conflict.LangC, conflict.LangCPP,
	} {
		r.Register(lang, cFamily)
	}
	// Rust lifetimes ('a) are not char literals.
	r.Register(conflict.LangRust, bracketChecker{lineComments: []string{"//"}, blockComments: true, quotes: `"`})
	r.Register(conflict.LangPython, bracketChecker{lineComments: []string{"#"}, quotes: `"'`, tripleQuotes: true})
	r.Register(conflict.LangRuby, bracketChecker{lineComments: []string{"#"}, quotes: `"'`})
	return r
}

// Register installs or replaces the checker for lang.
func (r *SyntaxRegistry) Register(lang string, c SyntaxChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[lang] = c
}

// Lookup returns the checker for lang.
func (r *SyntaxRegistry) Lookup(lang string) (SyntaxChecker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[lang]
	return c, ok
}

// Check runs the checker for lang. applicable is false when no checker is
// registered.
func (r *SyntaxRegistry) Check(lang, src string) (applicable bool, err error) {
	c, ok := r.Lookup(lang)
	if !ok {
		return false, nil
	}
	return true, c.Check(src)
}

// IsValid reports whether text is an acceptable replacement for the conflict
// region. Unknown languages are always valid.
func (r *SyntaxRegistry) IsValid(file *conflict.File, c conflict.Conflict, text string) bool {
	_, err := r.Check(c.Language, renderInFile(file, c, text))
	return err == nil
}

// renderInFile substitutes text for the region and the "ours" side for every
// other region, so parsers see a complete file. Without a file the fragment
// is checked on its own.
func renderInFile(file *conflict.File, c conflict.Conflict, text string) string {
	if file == nil || file.Binary || len(file.Conflicts) == 0 {
		return text
	}
	resolutions := make([]string, len(file.Conflicts))
	for i, other := range file.Conflicts {
		resolutions[i] = other.Ours
	}
	if c.Index < 0 || c.Index >= len(resolutions) {
		return text
	}
	resolutions[c.Index] = text
	out, err := file.Apply(resolutions)
	if err != nil {
		return text
	}
	return out
}

// checkGo accepts whole files, declaration lists and statement lists.
func checkGo(src string) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, "", src, parser.AllErrors)
	if err == nil {
		return nil
	}
	if _, declErr := parser.ParseFile(fset, "", "package p\n"+src, parser.AllErrors); declErr == nil {
		return nil
	}
	_, stmtErr := parser.ParseFile(fset, "", "package p\nfunc _() {\n"+src+"\n}\n", parser.AllErrors)
	if stmtErr == nil {
		return nil
	}
	if strings.HasPrefix(strings.TrimSpace(src), "package ") {
		return err
	}
	return stmtErr
}

// checkJSON accepts documents and object/array member fragments.
func checkJSON(src string) error {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil
	}
	err := jsonValid(trimmed)
	if err == nil {
		return nil
	}
	frag := strings.TrimSuffix(trimmed, ",")
	if jsonValid("{"+frag+"}") == nil || jsonValid("["+frag+"]") == nil {
		return nil
	}
	return err
}

func jsonValid(s string) error {
	var v any
	return json.Unmarshal([]byte(s), &v)
}

func checkYAML(src string) error {
	var node yaml.Node
	return yaml.Unmarshal([]byte(src), &node)
}

func checkTOML(src string) error {
	var v map[string]any
	_, err := toml.Decode(src, &v)
	return err
}

// bracketChecker verifies that (), [] and {} balance outside comments and
// string literals. It stands in for languages without a Go-native parser.
type bracketChecker struct {
	lineComments  []string
	blockComments bool
	quotes        string
	tripleQuotes  bool
}

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

func (b bracketChecker) Check(src string) error {
	var stack []rune
	line := 1
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			line++
			continue
		}
		if skip, ok := b.commentEnd(runes, i); ok {
			line += strings.Count(string(runes[i:skip]), "\n")
			i = skip - 1
			continue
		}
		if b.tripleQuotes && (hasPrefixAt(runes, i, `"""`) || hasPrefixAt(runes, i, "'''")) {
			end := tripleEnd(runes, i)
			if end < 0 {
				return fmt.Errorf("line %d: unterminated string literal", line)
			}
			line += strings.Count(string(runes[i:end]), "\n")
			i = end - 1
			continue
		}
		if strings.ContainsRune(b.quotes, r) {
			end := stringEnd(runes, i)
			if end < 0 {
				return fmt.Errorf("line %d: unterminated string literal", line)
			}
			line += strings.Count(string(runes[i:end]), "\n")
			i = end
			continue
		}
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != closers[r] {
				return fmt.Errorf("line %d: unbalanced %q", line, r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("%d unclosed bracket(s), last %q", len(stack), stack[len(stack)-1])
	}
	return nil
}

// commentEnd returns the index just past a comment starting at i.
func (b bracketChecker) commentEnd(runes []rune, i int) (int, bool) {
	for _, lc := range b.lineComments {
		if hasPrefixAt(runes, i, lc) {
			for j := i; j < len(runes); j++ {
				if runes[j] == '\n' {
					return j, true
				}
			}
			return len(runes), true
		}
	}
	if b.blockComments && hasPrefixAt(runes, i, "/*") {
		for j := i + 2; j+1 < len(runes); j++ {
			if runes[j] == '*' && runes[j+1] == '/' {
				return j + 2, true
			}
		}
		return len(runes), true
	}
	return 0, false
}

// stringEnd returns the index of the closing quote for the literal opened at
// i, or -1. Single and double quoted literals end at a newline.
func stringEnd(runes []rune, i int) int {
	q := runes[i]
	for j := i + 1; j < len(runes); j++ {
		switch runes[j] {
		case '\\':
			if q != '`' {
				j++
			}
		case '\n':
			if q != '`' {
				return -1
			}
		case q:
			return j
		}
	}
	return -1
}

// tripleEnd returns the index just past the closing triple quote.
func tripleEnd(runes []rune, i int) int {
	delim := string(runes[i : i+3])
	for j := i + 3; j+3 <= len(runes); j++ {
		if runes[j] == '\\' {
			j++
			continue
		}
		if hasPrefixAt(runes, j, delim) {
			return j + 3
		}
	}
	return -1
}

func hasPrefixAt(runes []rune, i int, prefix string) bool {
	p := []rune(prefix)
	if i+len(p) > len(runes) {
		return false
	}
	for k, r := range p {
		if runes[i+k] != r {
			return false
		}
	}
	return true
}
