package resolve

import "strings"

var shellLanguages = map[string]bool{
	"":            true,
	"sh":          true,
	"bash":        true,
	"zsh":         true,
	"ksh":         true,
	"fish":        true,
	"shell":       true,
	"shellscript": true,
}

// IsShellLanguage reports whether languageID names a shell. An empty language id is treated as a shell.
func IsShellLanguage(languageID string) bool {
	return shellLanguages[strings.ToLower(languageID)]
}

var languagePrograms = map[string]string{
	"python":     "python3",
	"py":         "python3",
	"javascript": "node",
	"js":         "node",
	"typescript": "ts-node",
	"ruby":       "ruby",
	"perl":       "perl",
	"php":        "php",
	"lua":        "lua",
	"r":          "Rscript",
}

// ProgramForLanguage returns the interpreter used to run a temp-file script written in languageID.
func ProgramForLanguage(languageID string) (string, bool) {
	id := strings.ToLower(languageID)
	if IsShellLanguage(id) {
		if id == "" || id == "shell" || id == "shellscript" {
			return "sh", true
		}
		return id, true
	}
	p, ok := languagePrograms[id]
	return p, ok
}

// SplitCommands splits cell text into lines. For shell languages, one leading "$" prompt marker
// and the whitespace following it are removed from each line.
func SplitCommands(text, languageID string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if !IsShellLanguage(languageID) {
		return lines
	}
	for i, l := range lines {
		lines[i] = stripPrompt(l)
	}
	return lines
}

func stripPrompt(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, "$") {
		return line
	}
	rest := trimmed[1:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		// $VAR or $(cmd), not a prompt
		return line
	}
	return strings.TrimLeft(rest, " \t")
}
