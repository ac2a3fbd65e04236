// File: internal/safety/patterns.go
package safety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Heuristic escalation patterns. A tool's static tier is a floor; matching
// patterns raise the effective tier via the additive risk score.

type patternCategory struct {
	name     string
	patterns []*regexp.Regexp
}

var commandCategories = []patternCategory{
	{
		name: "destructive",
		patterns: compileAll(
			`\brm\s+.*-r.*/`,
			`\brm\s+.*-rf.*`,
			`\brmdir\s+`,
			`\bdel\s+.*\*`,
			`\bformat\s+`,
			`\bfdisk\s+`,
			`>\s*/dev/`,
			`\bdd\s+.*of=`,
		),
	},
	{
		name: "system modification",
		patterns: compileAll(
			`\bchmod\s+.*777`,
			`\bchown\s+.*root`,
			`\bsudo\s+`,
			`\bsu\s+`,
			`passwd\s+`,
			`/etc/`,
			`/boot/`,
			`/sys/`,
		),
	},
	{
		name: "network security",
		patterns: compileAll(
			`\bcurl\s+.*\|\s*sh`,
			`\bwget\s+.*\|\s*sh`,
			`\bnc\s+.*-e`,
			`\btelnet\s+`,
			`\bftp\s+`,
			`ssh\s+.*@`,
		),
	},
	{
		name: "data exfiltration",
		patterns: compileAll(
			`\btar\s+.*\|\s*ssh`,
			`\bzip\s+.*\|\s*curl`,
			`\bcp\s+.*/tmp`,
			`\bmv\s+.*/tmp`,
		),
	},
}

var sensitiveFilePatterns = compileAll(
	`\.ssh/`,
	`\.aws/`,
	`\.config/`,
	`passwords?\.txt`,
	`secrets?\.txt`,
	`\.env`,
	`\.key$`,
	`\.pem$`,
	`\.p12$`,
	`\.pfx$`,
)

var protectedDirectories = []string{
	"/bin",
	"/boot",
	"/dev",
	"/etc",
	"/lib",
	"/lib64",
	"/proc",
	"/root",
	"/sbin",
	"/sys",
	"/usr",
	"/var",
}

var systemExtensions = []string{".exe", ".dll", ".sys", ".so", ".dylib"}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// scoreCommand computes the additive risk score for a shell command line
// and the warnings explaining each contribution.
func scoreCommand(command string) (float64, []string) {
	var warnings []string
	var score float64

	for _, cat := range commandCategories {
		for _, p := range cat.patterns {
			if p.MatchString(command) {
				score += 0.3
				warnings = append(warnings, fmt.Sprintf("detected %s pattern: %s", cat.name, p.String()))
			}
		}
	}
	for _, p := range sensitiveFilePatterns {
		if p.MatchString(command) {
			score += 0.2
			warnings = append(warnings, fmt.Sprintf("command involves sensitive files: %s", p.String()))
		}
	}
	for _, dir := range protectedDirectories {
		if strings.Contains(command, dir) {
			score += 0.4
			warnings = append(warnings, fmt.Sprintf("command affects protected directory: %s", dir))
		}
	}
	return score, warnings
}

// scoreFilePath computes the additive risk score for a file operation
// target path.
func scoreFilePath(path string) (float64, []string) {
	var warnings []string
	var score float64

	for _, p := range sensitiveFilePatterns {
		if p.MatchString(path) {
			score += 0.4
			warnings = append(warnings, fmt.Sprintf("sensitive file: %s", p.String()))
		}
	}

	abs, err := filepath.Abs(path)
	if err == nil {
		for _, dir := range protectedDirectories {
			if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
				score += 0.5
				warnings = append(warnings, fmt.Sprintf("path inside protected directory: %s", dir))
			}
		}
	}

	lower := strings.ToLower(path)
	for _, ext := range systemExtensions {
		if strings.HasSuffix(lower, ext) {
			score += 0.3
			warnings = append(warnings, "system executable file")
			break
		}
	}
	return score, warnings
}
