package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/fault"
	"github.com/wippyai/wasm-sandbox/module"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	trapStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// maxHistory bounds the lookups kept on screen.
const maxHistory = 10

type interactiveModel struct {
	err      error
	verdict  error
	mod      *loaded
	summary  *summary
	cfg      *config.Config
	filename string
	history  []lookupEntry
	input    textinput.Model
	base     uint64
}

type lookupEntry struct {
	report *fault.Report
	err    error
	input  string
}

type loadedMsg struct {
	err     error
	verdict error
	mod     *loaded
	summary *summary
}

func newInteractiveModel(filename string, cfg *config.Config, base uint64) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "0x..."
	ti.Prompt = "address: "
	ti.Width = 24
	ti.Focus()

	return &interactiveModel{
		filename: filename,
		cfg:      cfg,
		base:     base,
		input:    ti,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.loadModule, textinput.Blink)
}

func (m *interactiveModel) loadModule() tea.Msg {
	mod, err := openModule(context.Background(), m.filename, m.cfg, m.base)
	if err != nil {
		return loadedMsg{err: err}
	}
	s, err := newSummary(mod)
	if err != nil {
		mod.Close()
		return loadedMsg{err: err}
	}
	return loadedMsg{
		mod:     mod,
		summary: s,
		verdict: module.ValidateRuntimeSpec(mod, &m.cfg.Limits),
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.mod != nil {
				m.mod.Close()
			}
			return m, tea.Quit

		case "enter":
			if m.mod != nil {
				m.lookup(strings.TrimSpace(m.input.Value()))
				m.input.SetValue("")
			}
			return m, nil
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.mod = msg.mod
		m.summary = msg.summary
		m.verdict = msg.verdict
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) lookup(s string) {
	if s == "" {
		return
	}
	entry := lookupEntry{input: s}
	addr, err := parseAddr(s)
	if err != nil {
		entry.err = err
	} else {
		entry.report = fault.Classify(m.mod, uintptr(addr))
	}

	m.history = append([]lookupEntry{entry}, m.history...)
	if len(m.history) > maxHistory {
		m.history = m.history[:maxHistory]
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress esc to quit.", m.err))
	}
	if m.summary == nil {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Sandbox Module"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	b.WriteString(m.summary.text())
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("Limits: "))
	b.WriteString(m.cfg.Limits.String())
	b.WriteString("\n")
	if m.verdict != nil {
		b.WriteString(errorStyle.Render("rejected: " + m.verdict.Error()))
	} else {
		b.WriteString(okStyle.Render("fits the limits"))
	}
	b.WriteString("\n\n")

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	for _, e := range m.history {
		switch {
		case e.err != nil:
			b.WriteString(errorStyle.Render(e.err.Error()))
		case e.report.Fatal():
			b.WriteString(errorStyle.Render(e.report.Error()))
		default:
			b.WriteString(trapStyle.Render(e.report.Error()))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter look up address • esc quit"))
	return b.String()
}

func runInteractive(ctx context.Context, filename string, cfg *config.Config, base uint64) error {
	p := tea.NewProgram(newInteractiveModel(filename, cfg, base), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
