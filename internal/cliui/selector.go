// Package cliui is the engine's thin CLI front end: a startup mode
// selector when no action was given on the command line. Kept minimal
// per SPEC_FULL.md ("CLI/config loading beyond what's needed to drive
// the engine" is a non-goal) but still built on the teacher's actual TUI
// stack rather than a bare fmt.Scanln, for parity with how the teacher
// always fronts its engine with a bubbletea selector.
package cliui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
)

// Selector is a single-choice list prompt, adapted from the teacher's
// presentation/bubble_tea.Selector: arrow keys move the cursor, enter
// commits the highlighted option's first word as the choice, q quits
// without choosing.
type Selector struct {
	placeholder string
	options     []string
	cursor      int
	choice      string
	checked     int
}

// NewSelector builds a Selector prompting placeholder over choices, each
// of which should read "<token> - <description>"; Choice() after Run
// returns just the token.
func NewSelector(placeholder string, choices []string) Selector {
	return Selector{
		placeholder: placeholder,
		options:     choices,
		checked:     -1,
	}
}

func (m Selector) Choice() string { return m.choice }

func (m Selector) Init() tea.Cmd { return nil }

func (m Selector) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down":
			if m.cursor < len(m.options)-1 {
				m.cursor++
			}
		case "enter":
			m.choice = strings.Split(m.options[m.cursor], " ")[0]
			m.checked = m.cursor
			return m, tea.Quit
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Selector) View() string {
	s := fmt.Sprintf("%s\n\n", m.placeholder)
	for i, choice := range m.options {
		checked := "[ ]"
		if m.checked == i {
			checked = "[x]"
		}
		line := fmt.Sprintf("%s %s", checked, choice)
		if m.cursor == i {
			line = "\033[1;32m" + line + "\033[0m"
		}
		s += line + "\n"
	}
	s += "\nPress q to quit.\n"
	return s
}

// Run prompts placeholder over choices and returns the chosen token, or
// "" if the user quit without choosing.
func Run(placeholder string, choices []string) (string, error) {
	m := NewSelector(placeholder, choices)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return "", err
	}
	return final.(Selector).Choice(), nil
}

// textPrompt is a single-line free-text field, adapted from the teacher's
// presentation/bubble_tea.TextArea (single-line instead of a multi-line
// config body, since each prompt here fills exactly one config field).
type textPrompt struct {
	ta *textarea.Model
}

func newTextPrompt(placeholder string) *textPrompt {
	ta := textarea.New()
	ta.Placeholder = placeholder
	ta.ShowLineNumbers = false
	ta.SetWidth(60)
	ta.SetHeight(1)
	ta.Focus()
	return &textPrompt{ta: &ta}
}

func (m *textPrompt) Value() string { return strings.TrimSpace(m.ta.Value()) }

func (m *textPrompt) Init() tea.Cmd { return textarea.Blink }

func (m *textPrompt) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		return m, tea.Quit
	}
	var cmd tea.Cmd
	*m.ta, cmd = m.ta.Update(msg)
	return m, cmd
}

func (m *textPrompt) View() string { return m.ta.View() + "\n(enter to confirm)\n" }

// PromptText asks for a single line of free text, prefilled with
// placeholder as a hint rather than a value, and returns what the user
// typed (or "" if they left the field empty and pressed enter).
func PromptText(placeholder string) (string, error) {
	m := newTextPrompt(placeholder)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return "", err
	}
	return final.(*textPrompt).Value(), nil
}
