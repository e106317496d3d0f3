package conflict

import (
	"path/filepath"
	"strings"
)

// Language identifiers returned by DetectLanguage.
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangRuby       = "ruby"
	LangJava       = "java"
	LangRust       = "rust"
	LangC          = "c"
	LangCPP        = "cpp"
	LangShell      = "shell"
	LangJSON       = "json"
	LangYAML       = "yaml"
	LangTOML       = "toml"
	LangMarkdown   = "markdown"
	LangText       = "text"
)

var extLanguages = map[string]string{
	".go":   LangGo,
	".py":   LangPython,
	".pyi":  LangPython,
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTypeScript,
	".rb":   LangRuby,
	".java": LangJava,
	".rs":   LangRust,
	".c":    LangC,
	".h":    LangC,
	".cc":   LangCPP,
	".cpp":  LangCPP,
	".hpp":  LangCPP,
	".sh":   LangShell,
	".bash": LangShell,
	".zsh":  LangShell,
	".json": LangJSON,
	".yaml": LangYAML,
	".yml":  LangYAML,
	".toml": LangTOML,
	".md":   LangMarkdown,
	".txt":  LangText,
}

var nameLanguages = map[string]string{
	"dockerfile": LangShell,
	"makefile":   LangShell,
	"go.mod":     LangText,
	"go.sum":     LangText,
}

// DetectLanguage classifies a file by name and extension. Unknown files are
// reported as LangText.
func DetectLanguage(path string) string {
	base := strings.ToLower(filepath.Base(path))
	if lang, ok := nameLanguages[base]; ok {
		return lang
	}
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(base))]; ok {
		return lang
	}
	return LangText
}
