// Package ui provides a local terminal chat console that stands in for the
// Telegram client: the operator types messages, presses buttons by number
// and attaches local files.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/ssh-bot/internal/bot"
	"github.com/treykane/ssh-bot/internal/model"
)

// Console is a bot.Transport backed by a bubbletea program.
type Console struct {
	user    model.UserID
	saveDir string

	mu      sync.Mutex
	program *tea.Program
	backlog []tea.Msg
}

// NewConsole creates a console for the single local user. Files the bot
// sends are copied into saveDir.
func NewConsole(user model.UserID, saveDir string) *Console {
	return &Console{user: user, saveDir: saveDir}
}

type replyMsg bot.Reply

func (c *Console) deliver(msg tea.Msg) {
	c.mu.Lock()
	p := c.program
	if p == nil {
		c.backlog = append(c.backlog, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	p.Send(msg)
}

// Send implements bot.Transport.
func (c *Console) Send(ctx context.Context, user model.UserID, r bot.Reply) error {
	if user != c.user {
		return fmt.Errorf("console has no user %s", user)
	}
	if r.FilePath != "" {
		dst := filepath.Join(c.saveDir, filepath.Base(r.FileName))
		if err := copyFile(r.FilePath, dst, 0o644); err != nil {
			return err
		}
		r.Text = strings.TrimSpace(r.Text + "\nSaved to " + dst)
		r.FilePath = dst
	}
	c.deliver(replyMsg(r))
	return nil
}

// Fetch implements bot.Transport. Console documents reference local files.
func (c *Console) Fetch(_ context.Context, doc bot.Document, dst string) error {
	return copyFile(doc.Ref, dst, 0o600)
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Run shows the console until the operator quits or ctx is cancelled.
func (c *Console) Run(ctx context.Context, dispatch func(bot.Event)) error {
	p := tea.NewProgram(newChatModel(c.user, dispatch), tea.WithAltScreen(), tea.WithContext(ctx))
	c.mu.Lock()
	c.program = p
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	go func() {
		for _, m := range backlog {
			p.Send(m)
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	monoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114")).PaddingLeft(2)
	choiceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type chatModel struct {
	user     model.UserID
	dispatch func(bot.Event)
	input    textinput.Model
	view     viewport.Model
	lines    []string
	choices  []bot.Choice
	ready    bool
}

func newChatModel(user model.UserID, dispatch func(bot.Event)) chatModel {
	in := textinput.New()
	in.Placeholder = "message, !N to press button N, @path to attach a file"
	in.CharLimit = 4096
	in.Focus()
	return chatModel{user: user, dispatch: dispatch, input: in}
}

func (m chatModel) Init() tea.Cmd { return textinput.Blink }

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h := msg.Height - 4
		if h < 3 {
			h = 3
		}
		if !m.ready {
			m.view = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.view.Width, m.view.Height = msg.Width, h
		}
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil
	case replyMsg:
		r := bot.Reply(msg)
		m.lines = append(m.lines, renderReply(r))
		if len(r.Choices) > 0 {
			m.choices = flatten(r.Choices)
		}
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if text == "" {
				return m, nil
			}
			m.lines = append(m.lines, userStyle.Render("> "+text))
			ev, err := parseInput(m.user, text, m.choices)
			if err != nil {
				m.lines = append(m.lines, hintStyle.Render(err.Error()))
			} else {
				if ev.Callback != "" {
					m.choices = nil
				}
				m.dispatch(ev)
			}
			m.refresh()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) refresh() {
	if !m.ready {
		return
	}
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

func (m chatModel) View() string {
	if !m.ready {
		return "starting console..."
	}
	head := titleStyle.Render("ssh-bot console") + hintStyle.Render(fmt.Sprintf("  user %s, esc to quit", m.user))
	return lipgloss.JoinVertical(lipgloss.Left, head, m.view.View(), m.input.View())
}

func flatten(rows [][]bot.Choice) []bot.Choice {
	var out []bot.Choice
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func renderReply(r bot.Reply) string {
	var b strings.Builder
	if r.Mono {
		b.WriteString(monoStyle.Render(r.Text))
	} else {
		b.WriteString(botStyle.Render(r.Text))
	}
	if len(r.Choices) > 0 {
		var labels []string
		for i, c := range flatten(r.Choices) {
			labels = append(labels, fmt.Sprintf("[%d] %s", i+1, c.Label))
		}
		b.WriteString("\n" + choiceStyle.Render(strings.Join(labels, "  ")))
	}
	return b.String()
}

// parseInput turns a console line into an event. "!N" presses button N of
// the latest keyboard, "!data" sends raw callback data and "@path caption"
// attaches a local file.
func parseInput(user model.UserID, text string, choices []bot.Choice) (bot.Event, error) {
	ev := bot.Event{User: user}
	switch {
	case strings.HasPrefix(text, "!"):
		data := strings.TrimSpace(text[1:])
		if n, err := strconv.Atoi(data); err == nil {
			if n < 1 || n > len(choices) {
				return ev, fmt.Errorf("no button %d", n)
			}
			data = choices[n-1].Data
		}
		if data == "" {
			return ev, fmt.Errorf("usage: !N or !callback_data")
		}
		ev.Callback = data
	case strings.HasPrefix(text, "@"):
		p, caption, _ := strings.Cut(strings.TrimSpace(text[1:]), " ")
		abs, err := filepath.Abs(p)
		if err != nil {
			return ev, err
		}
		st, err := os.Stat(abs)
		if err != nil {
			return ev, fmt.Errorf("cannot attach %s: %w", p, err)
		}
		if !st.Mode().IsRegular() {
			return ev, fmt.Errorf("cannot attach %s: not a regular file", p)
		}
		ev.Document = &bot.Document{Name: filepath.Base(abs), Size: st.Size(), Ref: abs}
		ev.Text = strings.TrimSpace(caption)
	default:
		ev.Text = text
	}
	return ev, nil
}
