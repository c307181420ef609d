package apply

import (
	"path"
	"regexp"
	"strings"
)

// SymbolPresent reports whether a declared class or function still exists in
// content. The scan is regex-level on purpose: it has to work on whatever
// language the target project is written in, and a lost top-level
// declaration is visible at that level without a real parser.
func SymbolPresent(relPath, content, symbol string) bool {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return true
	}
	sym := regexp.QuoteMeta(symbol)
	var patterns []string
	switch ext(relPath) {
	case ".go":
		patterns = []string{
			`(?m)^func\s+` + sym + `\s*[\(\[]`,
			`(?m)^func\s+\([^)]*\)\s+` + sym + `\s*[\(\[]`,
			`(?m)^type\s+` + sym + `\b`,
			`(?m)^(var|const)\s+` + sym + `\b`,
		}
	case ".py":
		patterns = []string{
			`(?m)^\s*(async\s+)?def\s+` + sym + `\s*\(`,
			`(?m)^\s*class\s+` + sym + `\s*[:(\n]`,
		}
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		patterns = []string{
			`(?m)^\s*(export\s+(default\s+)?)?(async\s+)?function\s*\*?\s+` + sym + `\s*\(`,
			`(?m)^\s*(export\s+(default\s+)?)?class\s+` + sym + `\b`,
			`(?m)^\s*(export\s+)?(const|let|var)\s+` + sym + `\s*=`,
			`(?m)^\s*` + sym + `\s*[:=]\s*(async\s*)?(function|\()`,
		}
	case ".md", ".markdown":
		patterns = []string{`(?m)^#{1,6}\s+.*` + sym}
	default:
		patterns = []string{`\b` + sym + `\b`}
	}
	for _, p := range patterns {
		if regexp.MustCompile(p).MatchString(content) {
			return true
		}
	}
	return false
}

// IsTestFile reports whether the deliverable is a test by naming convention.
func IsTestFile(relPath string) bool {
	base := strings.ToLower(path.Base(relPath))
	switch {
	case strings.HasSuffix(base, "_test.go"):
		return true
	case strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"):
		return true
	case strings.HasSuffix(base, "_test.py"):
		return true
	case strings.HasSuffix(base, ".test.js"), strings.HasSuffix(base, ".test.ts"),
		strings.HasSuffix(base, ".test.jsx"), strings.HasSuffix(base, ".test.tsx"),
		strings.HasSuffix(base, ".spec.js"), strings.HasSuffix(base, ".spec.ts"):
		return true
	default:
		return false
	}
}

var (
	goTestRe = regexp.MustCompile(`(?m)^func\s+(Test|Benchmark|Fuzz)\w+\s*\(`)
	pyTestRe = regexp.MustCompile(`(?m)^\s*(async\s+)?def\s+test_\w+\s*\(`)
	jsTestRe = regexp.MustCompile(`(?m)^\s*(it|test|describe)\s*\(`)
)

// CountTestCases counts test declarations in a test file. Used by the
// deliverables gate: a test deliverable with zero cases is an empty shell.
func CountTestCases(relPath, content string) int {
	switch ext(relPath) {
	case ".go":
		return len(goTestRe.FindAllString(content, -1))
	case ".py":
		return len(pyTestRe.FindAllString(content, -1))
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		return len(jsTestRe.FindAllString(content, -1))
	default:
		return 0
	}
}

func ext(relPath string) string {
	return strings.ToLower(path.Ext(relPath))
}
