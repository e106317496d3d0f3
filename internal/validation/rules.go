package validation

// DefaultRules returns the built-in denylist of dangerous constructs.
//
// The list is deliberately broad: a false positive only costs a fallback,
// while a false negative lets dangerous code through unreviewed.
func DefaultRules() []Rule {
	return []Rule{
		// Dynamic code execution
		{
			ID:          "dynamic-eval",
			Description: "Dynamic code evaluation",
			Pattern:     `\beval\s*\(`,
			Severity:    "high",
		},
		{
			ID:          "python-exec",
			Description: "Python exec/compile of dynamic code",
			Pattern:     `(^|[^.\w])(exec|compile)\s*\(`,
			Languages:   []string{"python"},
			Severity:    "high",
		},
		{
			ID:          "js-function-constructor",
			Description: "JavaScript Function constructor",
			Pattern:     `\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"]`,
			Languages:   []string{"javascript", "typescript"},
			Severity:    "high",
		},
		{
			ID:          "js-string-timer",
			Description: "setTimeout/setInterval with string body",
			Pattern:     `\bset(Timeout|Interval)\s*\(\s*['"]`,
			Languages:   []string{"javascript", "typescript"},
			Severity:    "medium",
		},

		// Shell invocation
		{
			ID:          "go-os-exec",
			Description: "Go process execution",
			Pattern:     `"os/exec"|\bexec\.Command(Context)?\s*\(|\bsyscall\.(Exec|ForkExec|StartProcess)\s*\(|\bos\.StartProcess\s*\(`,
			Languages:   []string{"go"},
			Severity:    "high",
		},
		{
			ID:          "python-shell",
			Description: "Python shell invocation",
			Pattern:     `\bos\.(system|popen|exec[lv]p?e?|spawn\w*|posix_spawnp?)\s*\(|\bsubprocess\.|\bcommands\.getoutput\s*\(`,
			Languages:   []string{"python"},
			Severity:    "high",
		},
		{
			// Imported names are called bare later, so flag the import.
			ID:          "python-shell-import",
			Description: "Python import of a shell or process API",
			Pattern:     `^\s*import\s+.*\b(subprocess|commands|pty)\b|^\s*from\s+(subprocess|commands|pty)\s+import\b|^\s*from\s+os\s+import\s+.*\b(system|popen|spawn\w*|posix_spawnp?|exec[lv]p?e?)\b`,
			Languages:   []string{"python"},
			Severity:    "high",
		},
		{
			ID:          "node-child-process",
			Description: "Node child_process usage",
			Pattern:     `child_process|\bexecSync\s*\(|\bspawnSync?\s*\(`,
			Languages:   []string{"javascript", "typescript"},
			Severity:    "high",
		},
		{
			ID:          "ruby-shell",
			Description: "Ruby shell invocation",
			Pattern:     `\bsystem\s*\(|%x[\{\(\[]|\bIO\.popen\s*\(|\bOpen3\.|` + "`[^`]*#\\{",
			Languages:   []string{"ruby"},
			Severity:    "high",
		},
		{
			ID:          "java-runtime-exec",
			Description: "Java runtime process execution",
			Pattern:     `Runtime\.getRuntime\(\)\.exec\s*\(|\bnew\s+ProcessBuilder\s*\(`,
			Languages:   []string{"java"},
			Severity:    "high",
		},
		{
			ID:          "rust-command",
			Description: "Rust process execution",
			Pattern:     `std::process::Command|\bCommand::new\s*\(`,
			Languages:   []string{"rust"},
			Severity:    "high",
		},
		{
			ID:          "c-system",
			Description: "C system/popen call",
			Pattern:     `\b(system|popen|execv[pe]?|execl[pe]?)\s*\(`,
			Languages:   []string{"c", "cpp"},
			Severity:    "high",
		},
		{
			ID:          "shell-interpolated-eval",
			Description: "Shell eval or command substitution of variables",
			Pattern:     `\beval\s+["']?\$|\$\(\s*\$\{?\w+`,
			Languages:   []string{"shell"},
			Severity:    "high",
		},

		// Dynamic imports
		{
			ID:          "python-dynamic-import",
			Description: "Python dynamic import",
			Pattern:     `\b__import__\s*\(|\bimportlib\.(import_module|__import__)\s*\(`,
			Languages:   []string{"python"},
			Severity:    "high",
		},
		{
			ID:          "js-dynamic-require",
			Description: "require() or import() with a non-literal specifier",
			Pattern:     `\brequire\s*\(\s*[^'"\s)]|\bimport\s*\(\s*[^'"\s)]`,
			Languages:   []string{"javascript", "typescript"},
			Severity:    "high",
		},
		{
			ID:          "go-plugin-open",
			Description: "Go plugin loading",
			Pattern:     `"plugin"|\bplugin\.Open\s*\(`,
			Languages:   []string{"go"},
			Severity:    "high",
		},

		// Unsafe deserialization
		{
			ID:          "python-pickle",
			Description: "Python pickle/marshal deserialization",
			Pattern:     `\b(c?pickle|marshal|shelve|dill)\.loads?\s*\(`,
			Languages:   []string{"python"},
			Severity:    "high",
		},
		{
			ID:          "python-yaml-load",
			Description: "PyYAML load without a safe loader",
			Pattern:     `\byaml\.(unsafe_)?load\s*\(`,
			Allow:       `\byaml\.load\s*\(.*Loader\s*=\s*(yaml\.)?C?SafeLoader`,
			Languages:   []string{"python"},
			Severity:    "high",
		},
		{
			ID:          "ruby-marshal-load",
			Description: "Ruby Marshal/YAML unsafe load",
			Pattern:     `\bMarshal\.(load|restore)\s*\(|\bYAML\.(load|unsafe_load)\s*\(`,
			Languages:   []string{"ruby"},
			Severity:    "high",
		},
		{
			ID:          "java-object-input-stream",
			Description: "Java native deserialization",
			Pattern:     `\bObjectInputStream\b|\breadObject\s*\(`,
			Languages:   []string{"java"},
			Severity:    "high",
		},
		{
			ID:          "js-unserialize",
			Description: "node-serialize style unserialize",
			Pattern:     `\bunserialize\s*\(`,
			Languages:   []string{"javascript", "typescript"},
			Severity:    "high",
		},
		{
			ID:          "go-unsafe",
			Description: "Go unsafe package",
			Pattern:     `"unsafe"|\bunsafe\.Pointer\b`,
			Languages:   []string{"go"},
			Severity:    "medium",
		},
	}
}
