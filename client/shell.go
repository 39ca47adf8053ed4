package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/c-bata/go-prompt"

	"udpftp/client/config"
	"udpftp/client/terminal"
)

// runShell reads commands from an interactive prompt until exit.
func (a *app) runShell(ctx context.Context) {
	var known []string
	if a.cfg.FileList != "" {
		if names, err := config.ReadFileListFile(a.cfg.FileList); err == nil {
			known = names
		}
	}
	completer := terminal.NewCommandCompleter(known)

	a.theme.GetPromptColor().Printf("Connected to %s\n", a.cfg.ServerAddress())
	a.theme.GetTextColor().Println("Type 'help' for available commands")
	fmt.Println()

	done := false
	executor := func(input string) {
		cmd, arg := parseCommand(input)
		switch cmd {
		case "":
		case "exit", "quit":
			done = true
		default:
			a.execute(ctx, completer, cmd, arg)
		}
	}

	p := prompt.New(
		executor,
		completer.Completer,
		prompt.OptionTitle("UDP file client"),
		prompt.OptionPrefix(a.cfg.ServerAddress()+"> "),
		prompt.OptionPrefixTextColor(prompt.Green),
		prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
		prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
		prompt.OptionSuggestionBGColor(prompt.DarkGray),
		prompt.OptionCompletionWordSeparator(" "),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return done || ctx.Err() != nil }),
		prompt.OptionAddKeyBind(prompt.KeyBind{
			Key: prompt.ControlC,
			Fn: func(*prompt.Buffer) {
				fmt.Println("\nExiting...")
				done = true
			},
		}),
	)
	p.Run()
}

// parseCommand splits input into a command word and the rest of the line.
// The argument keeps inner spaces and may be wrapped in double quotes.
func parseCommand(input string) (string, string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ""
	}
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && strings.HasPrefix(arg, "\"") && strings.HasSuffix(arg, "\"") {
		arg = arg[1 : len(arg)-1]
	}
	return strings.ToLower(cmd), arg
}

func (a *app) execute(ctx context.Context, completer *terminal.CommandCompleter, cmd, arg string) {
	switch cmd {
	case "get":
		if arg == "" {
			fmt.Println("Usage: get <remote file>")
			return
		}
		if _, err := a.fetch(ctx, arg); err == nil {
			completer.AddRemoteFile(arg)
		}
	case "summary":
		a.printSummary()
	case "theme":
		if arg == "" {
			fmt.Printf("Current theme: %s (available: %s)\n", a.theme.GetThemeName(), strings.Join(terminal.ThemeNames(), ", "))
			return
		}
		if err := a.theme.SetTheme(arg); err != nil {
			a.theme.GetErrorColor().Println(err)
			return
		}
		a.theme.GetSuccessColor().Printf("Theme set to %s\n", arg)
	case "clear":
		if runtime.GOOS == "windows" {
			exec.Command("cmd", "/C", "cls").Run()
		} else {
			c := exec.Command("clear")
			c.Stdout = os.Stdout
			c.Run()
		}
	case "help":
		printHelp()
	default:
		a.theme.GetErrorColor().Printf("Unknown command: %s (try 'help')\n", cmd)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <file>      download a file into the output directory")
	fmt.Println("  summary         show the downloads of this session")
	fmt.Println("  theme [name]    show or change the colour theme")
	fmt.Println("  clear           clear the screen")
	fmt.Println("  help            show this help")
	fmt.Println("  exit            leave the client")
}
