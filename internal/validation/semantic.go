package validation

import (
	"regexp"
	"sort"
)

var identPattern = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

// keywords is the union of reserved words across supported languages. A
// shared set keeps the check conservative: fewer required identifiers means
// fewer false rejections.
var keywords = toSet(
	// Go
	"break", "case", "chan", "const", "continue", "default", "defer", "else",
	"fallthrough", "for", "func", "go", "goto", "if", "import", "interface",
	"map", "package", "range", "return", "select", "struct", "switch", "type",
	"var", "nil", "true", "false", "string", "int", "bool", "error", "byte",
	// Python
	"and", "as", "assert", "async", "await", "class", "def", "del", "elif",
	"except", "finally", "from", "global", "in", "is", "lambda", "None",
	"nonlocal", "not", "or", "pass", "raise", "True", "False", "try", "while",
	"with", "yield", "self",
	// JavaScript / TypeScript / Java / C family
	"let", "function", "new", "this", "typeof", "instanceof", "void", "null",
	"undefined", "export", "extends", "implements", "public", "private",
	"protected", "static", "final", "abstract", "throw", "throws", "catch",
	"enum", "do", "super", "char", "float", "double", "long", "short",
	"unsigned", "signed", "sizeof", "struct", "union", "typedef", "include",
	"define", "auto", "register", "extern", "volatile", "readonly", "declare",
	"namespace", "module", "require", "of", "keyof",
	// Rust / Ruby
	"fn", "mut", "pub", "impl", "trait", "use", "crate", "mod", "match",
	"loop", "ref", "where", "unsafe", "end", "begin", "rescue", "ensure",
	"unless", "until", "then", "nil", "elsif", "yield", "puts",
)

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// identifiers returns the distinct non-keyword identifiers in text.
func identifiers(text string) map[string]bool {
	ids := make(map[string]bool)
	for _, id := range identPattern.FindAllString(text, -1) {
		if len(id) < 2 || keywords[id] {
			continue
		}
		ids[id] = true
	}
	return ids
}

// missingIdentifiers returns the identifiers that both sides of the conflict
// relied on and that the rest of the file references, but the candidate
// dropped. The result is sorted.
func missingIdentifiers(ours, theirs, elsewhere, candidate string) []string {
	oursIDs := identifiers(ours)
	theirsIDs := identifiers(theirs)
	elsewhereIDs := identifiers(elsewhere)
	candidateIDs := identifiers(candidate)

	var missing []string
	for id := range oursIDs {
		if theirsIDs[id] && elsewhereIDs[id] && !candidateIDs[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
