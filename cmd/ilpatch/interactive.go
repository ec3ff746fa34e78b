package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/ilpatch/vm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	regionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F4A261"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelect modelState = iota
	stateInputArgs
	stateShowResult
)

// chrome is the number of lines around the listing viewport.
const chrome = 7

type interactiveModel struct {
	err      error
	entries  []entry
	inputs   []textinput.Model
	view     viewport.Model
	result   string
	selected int
	focusIdx int
	state    modelState
}

type runResultMsg struct {
	outcome
}

func newInteractiveModel(entries []entry) *interactiveModel {
	return &interactiveModel{
		entries: entries,
		view:    viewport.New(80, 20),
		state:   stateSelect,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-chrome, 3)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelect && m.selected > 0 {
				m.selected--
				return m, nil
			}

		case "down", "j":
			if m.state == stateSelect && m.selected < len(m.entries)-1 {
				m.selected++
				return m, nil
			}

		case "enter":
			switch m.state {
			case stateSelect:
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.runEntry
				}
				m.state = stateInputArgs
				return m, nil

			case stateInputArgs:
				return m, m.runEntry

			case stateShowResult:
				m.reset()
				return m, nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
				return m, nil
			}

		case "esc":
			if m.state != stateSelect {
				m.reset()
				return m, nil
			}
		}

	case runResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.view.SetContent(highlight(msg.listing))
		m.view.GotoTop()
		m.state = stateShowResult
		return m, nil
	}

	switch m.state {
	case stateInputArgs:
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	case stateShowResult:
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) reset() {
	m.state = stateSelect
	m.inputs = nil
	m.result = ""
	m.err = nil
}

func (m *interactiveModel) prepareInputs() {
	e := m.entries[m.selected]
	m.inputs = make([]textinput.Model, e.params)
	for i := range m.inputs {
		ti := textinput.New()
		ti.Placeholder = "int32"
		ti.Prompt = fmt.Sprintf("a%d: ", i)
		ti.Width = 20
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) runEntry() tea.Msg {
	args := make([]vm.Value, len(m.inputs))
	for i, input := range m.inputs {
		v, err := strconv.ParseInt(strings.TrimSpace(input.Value()), 10, 32)
		if err != nil {
			return runResultMsg{outcome{err: fmt.Errorf("argument a%d: %w", i, err)}}
		}
		args[i] = int32(v)
	}
	return runResultMsg{m.entries[m.selected].run(args)}
}

func (m *interactiveModel) View() string {
	if len(m.entries) == 0 {
		return "Nothing to run.\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("IL Patcher"))
	b.WriteString("\n\n")

	e := m.entries[m.selected]
	switch m.state {
	case stateSelect:
		b.WriteString("Select an entry to run:\n\n")
		for i, item := range m.entries {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + item.name))
			} else {
				b.WriteString("  " + nameStyle.Render(item.name))
			}
			b.WriteString("\n")
		}
		if e.about != "" {
			b.WriteString("\n")
			b.WriteString(helpStyle.Render(e.about))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter run • q quit"))

	case stateInputArgs:
		b.WriteString(fmt.Sprintf("Running %s\n\n", nameStyle.Render(e.name)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter run • esc back"))

	case stateShowResult:
		b.WriteString(m.view.View())
		b.WriteString("\n\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString("Result: ")
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("↑/↓ scroll • enter continue • q quit"))
	}
	return b.String()
}

// highlight colors section headers and region lines of a listing.
func highlight(listing string) string {
	lines := strings.Split(strings.TrimRight(listing, "\n"), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "--"), strings.HasPrefix(trimmed, ".method"):
			lines[i] = headerStyle.Render(line)
		case strings.HasPrefix(trimmed, "."), strings.HasPrefix(trimmed, "}"):
			lines[i] = regionStyle.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

func runInteractive(entries []entry) error {
	p := tea.NewProgram(newInteractiveModel(entries), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
