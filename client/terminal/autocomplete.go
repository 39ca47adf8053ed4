package terminal

import (
	"sort"
	"strings"

	"github.com/c-bata/go-prompt"
)

// CommandCompleter handles command and argument completion for the
// interactive client.
type CommandCompleter struct {
	commands    []prompt.Suggest
	remoteFiles map[string]bool
}

// NewCommandCompleter creates a new command completer. known seeds the file
// name suggestions for `get`.
func NewCommandCompleter(known []string) *CommandCompleter {
	c := &CommandCompleter{
		commands: []prompt.Suggest{
			{Text: "get", Description: "Download a file from the server"},
			{Text: "summary", Description: "Show downloads of this session"},
			{Text: "theme", Description: "Change terminal theme"},
			{Text: "clear", Description: "Clear terminal screen"},
			{Text: "help", Description: "Show help information"},
			{Text: "exit", Description: "Leave the client"},
		},
		remoteFiles: make(map[string]bool),
	}
	for _, name := range known {
		c.AddRemoteFile(name)
	}
	return c
}

// AddRemoteFile remembers a name the server is known to hold.
func (c *CommandCompleter) AddRemoteFile(name string) {
	if name != "" {
		c.remoteFiles[name] = true
	}
}

// Completer returns suggestions for the current input
func (c *CommandCompleter) Completer(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	words := strings.Fields(text)

	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(text, " ")) {
		return c.suggestCommands(words)
	}
	// File names may contain spaces, so the argument is everything after
	// the command word.
	arg := strings.TrimLeft(strings.TrimPrefix(strings.TrimLeft(text, " "), words[0]), " ")
	return c.suggestArguments(words[0], arg)
}

func (c *CommandCompleter) suggestCommands(words []string) []prompt.Suggest {
	if len(words) == 0 {
		return c.commands
	}
	prefix := strings.ToLower(words[0])
	var filtered []prompt.Suggest
	for _, s := range c.commands {
		if strings.HasPrefix(s.Text, prefix) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func (c *CommandCompleter) suggestArguments(cmd, prefix string) []prompt.Suggest {
	switch strings.ToLower(cmd) {
	case "get":
		return c.suggestRemoteFiles(prefix)
	case "theme":
		var suggestions []prompt.Suggest
		for _, name := range ThemeNames() {
			if strings.HasPrefix(name, prefix) {
				suggestions = append(suggestions, prompt.Suggest{Text: name, Description: "Theme"})
			}
		}
		return suggestions
	}
	return nil
}

func (c *CommandCompleter) suggestRemoteFiles(prefix string) []prompt.Suggest {
	names := make([]string, 0, len(c.remoteFiles))
	for name := range c.remoteFiles {
		// Skip hidden files unless explicitly requested
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(prefix, ".") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), strings.ToLower(prefix)) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	suggestions := make([]prompt.Suggest, 0, len(names))
	for _, name := range names {
		suggestions = append(suggestions, prompt.Suggest{Text: name, Description: "Remote file"})
	}
	return suggestions
}
