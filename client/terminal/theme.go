package terminal

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pelletier/go-toml"
)

// Theme represents a terminal theme configuration
type Theme struct {
	Name         string `toml:"name"`
	PromptColor  string `toml:"prompt_color"`
	TextColor    string `toml:"text_color"`
	ErrorColor   string `toml:"error_color"`
	SuccessColor string `toml:"success_color"`
	InfoColor    string `toml:"info_color"`
}

var themes = map[string]Theme{
	"dark": {
		Name:         "dark",
		PromptColor:  "green",
		TextColor:    "white",
		ErrorColor:   "red",
		SuccessColor: "green",
		InfoColor:    "cyan",
	},
	"light": {
		Name:         "light",
		PromptColor:  "black",
		TextColor:    "black",
		ErrorColor:   "red",
		SuccessColor: "green",
		InfoColor:    "blue",
	},
	"mono": {
		Name:         "mono",
		PromptColor:  "white",
		TextColor:    "white",
		ErrorColor:   "white",
		SuccessColor: "white",
		InfoColor:    "white",
	},
}

// ThemeNames lists the built-in themes.
func ThemeNames() []string { return []string{"dark", "light", "mono"} }

// ThemeManager handles theme operations. With an empty configPath the
// choice lives only for the current process.
type ThemeManager struct {
	currentTheme Theme
	configPath   string
}

// NewThemeManager starts from the dark theme and loads a saved choice from
// configPath when one exists. The manager is usable even when the saved
// choice cannot be read; it then keeps the dark theme.
func NewThemeManager(configPath string) (*ThemeManager, error) {
	tm := &ThemeManager{
		currentTheme: themes["dark"],
		configPath:   configPath,
	}
	if configPath == "" {
		return tm, nil
	}
	if err := tm.LoadTheme(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return tm, fmt.Errorf("failed to load theme: %w", err)
	}
	return tm, nil
}

// LoadTheme loads the theme from config file
func (tm *ThemeManager) LoadTheme() error {
	data, err := os.ReadFile(tm.configPath)
	if err != nil {
		return err
	}
	var t Theme
	if err := toml.Unmarshal(data, &t); err != nil {
		return err
	}
	tm.currentTheme = t
	return nil
}

// SaveTheme saves the current theme to config file
func (tm *ThemeManager) SaveTheme() error {
	if tm.configPath == "" {
		return nil
	}
	data, err := toml.Marshal(tm.currentTheme)
	if err != nil {
		return err
	}
	return os.WriteFile(tm.configPath, data, 0o644)
}

// SetTheme sets a new theme
func (tm *ThemeManager) SetTheme(name string) error {
	t, ok := themes[name]
	if !ok {
		return fmt.Errorf("unknown theme: %s", name)
	}
	tm.currentTheme = t
	return tm.SaveTheme()
}

func (tm *ThemeManager) GetPromptColor() *color.Color {
	return getColorFromName(tm.currentTheme.PromptColor)
}

func (tm *ThemeManager) GetTextColor() *color.Color {
	return getColorFromName(tm.currentTheme.TextColor)
}

func (tm *ThemeManager) GetErrorColor() *color.Color {
	return getColorFromName(tm.currentTheme.ErrorColor)
}

func (tm *ThemeManager) GetSuccessColor() *color.Color {
	return getColorFromName(tm.currentTheme.SuccessColor)
}

func (tm *ThemeManager) GetInfoColor() *color.Color {
	return getColorFromName(tm.currentTheme.InfoColor)
}

func (tm *ThemeManager) GetThemeName() string {
	return tm.currentTheme.Name
}

// getColorFromName returns a color.Color based on the color name
func getColorFromName(name string) *color.Color {
	switch name {
	case "black":
		return color.New(color.FgBlack)
	case "red":
		return color.New(color.FgRed)
	case "green":
		return color.New(color.FgGreen)
	case "yellow":
		return color.New(color.FgYellow)
	case "blue":
		return color.New(color.FgBlue)
	case "magenta":
		return color.New(color.FgMagenta)
	case "cyan":
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}
