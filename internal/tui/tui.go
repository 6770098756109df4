package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/astrodesk/astrodesk/internal/api"
	"github.com/astrodesk/astrodesk/internal/bridge"
	"github.com/astrodesk/astrodesk/internal/config"
	"github.com/astrodesk/astrodesk/internal/history"
)

type pageType int

const (
	pageHome pageType = iota
	pageChat
)

// Options configures the TUI. Bridge is required; Store may be nil to
// disable the local transcript.
type Options struct {
	Config *config.Config
	Bridge *bridge.Bridge
	Store  *history.Store
}

type chatLine struct {
	Role      string // user, assistant, system
	Content   string
	Timestamp time.Time
}

type bootMsg struct {
	Greeting string
	Sessions []api.Session
	Err      error
}

type outputMsg bridge.OutputMessage

type sendDoneMsg struct{}

// Model is the TUI state.
type Model struct {
	cfg    *config.Config
	bridge *bridge.Bridge
	store  *history.Store

	// output carries bridge messages into the bubbletea loop.
	output chan bridge.OutputMessage

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	lines    []chatLine
	sessions []api.Session

	// streamIdx points at the assistant line currently being streamed
	// into, -1 when no stream is open.
	streamIdx int

	width  int
	height int
	ready  bool

	page      pageType
	pending   bool
	connState string
	lastError string
}

// NewModel builds the TUI model around an already-constructed bridge.
func NewModel(opts Options) Model {
	initTheme(opts.Config.UI.Theme)

	ta := textarea.New()
	ta.Placeholder = "Message the assistant... /help for commands"
	ta.Focus()
	ta.CharLimit = 10000
	ta.SetHeight(1)
	ta.ShowLineNumbers = false
	ta.Prompt = ""

	vp := viewport.New(80, 20)
	vp.SetContent("")

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(getTheme().primary)

	m := Model{
		cfg:       opts.Config,
		bridge:    opts.Bridge,
		store:     opts.Store,
		output:    make(chan bridge.OutputMessage, 256),
		textarea:  ta,
		viewport:  vp,
		spinner:   sp,
		streamIdx: -1,
		page:      pageHome,
		connState: opts.Bridge.State().String(),
	}

	out := m.output
	opts.Bridge.Subscribe(func(msg bridge.OutputMessage) {
		select {
		case out <- msg:
		default:
		}
	})

	return m
}

// Init connects to the server and starts pumping bridge output.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, connectCmd(m.bridge), waitOutput(m.output))
}

func connectCmd(b *bridge.Bridge) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		greeting, err := b.ConnectServer(ctx)
		var sessions []api.Session
		if err == nil {
			sessions, _ = b.Client().ListSessions(ctx, "")
		}
		return bootMsg{Greeting: greeting, Sessions: sessions, Err: err}
	}
}

func waitOutput(ch chan bridge.OutputMessage) tea.Cmd {
	return func() tea.Msg {
		return outputMsg(<-ch)
	}
}

func sendCmd(b *bridge.Bridge, msg bridge.InputMessage) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		b.SendInput(ctx, msg)
		return sendDoneMsg{}
	}
}

// Update handles one bubbletea message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resize()
		return m, nil

	case bootMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
			m.appendLine("system", "Connection failed: "+msg.Err.Error())
		} else {
			m.appendLine("system", msg.Greeting)
		}
		m.sessions = msg.Sessions
		m.updateViewport()
		return m, nil

	case outputMsg:
		m.handleOutput(bridge.OutputMessage(msg))
		return m, waitOutput(m.output)

	case sendDoneMsg:
		m.pending = false
		m.streamIdx = -1
		return m, nil

	case spinner.TickMsg:
		if m.pending {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit

		case tea.KeyEsc:
			if m.pending {
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyEnter:
			text := strings.TrimSpace(m.textarea.Value())
			if text == "" {
				return m, nil
			}
			m.textarea.Reset()
			m.textarea.SetHeight(1)
			m.lastError = ""

			if m.page == pageHome {
				m.page = pageChat
			}

			if strings.HasPrefix(text, "/") {
				return m.runCommand(text)
			}

			if m.pending {
				m.appendLine("system", "A reply is still streaming; wait for it to finish.")
				m.updateViewport()
				return m, nil
			}

			return m.sendText(text)
		}
	}

	var tiCmd tea.Cmd
	m.textarea, tiCmd = m.textarea.Update(msg)
	cmds = append(cmds, tiCmd)

	if m.page == pageChat {
		var vpCmd tea.Cmd
		m.viewport, vpCmd = m.viewport.Update(msg)
		cmds = append(cmds, vpCmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) sendText(text string) (tea.Model, tea.Cmd) {
	m.pending = true
	m.appendLine("user", text)
	m.recordHistory(history.RoleUser, "text", text)
	m.updateViewport()
	input := bridge.InputMessage{
		Type:      bridge.InputText,
		Content:   text,
		SessionID: m.cfg.Server.SessionID,
		Timestamp: time.Now(),
	}
	return m, tea.Batch(sendCmd(m.bridge, input), m.spinner.Tick)
}

func (m Model) sendAttachment(inputType, path, caption string) (tea.Model, tea.Cmd) {
	m.pending = true
	label := fmt.Sprintf("[%s] %s", inputType, path)
	if caption != "" {
		label += " " + caption
	}
	m.appendLine("user", label)
	m.recordHistory(history.RoleUser, inputType, label)
	m.updateViewport()
	input := bridge.InputMessage{
		Type:      inputType,
		Content:   path,
		SessionID: m.cfg.Server.SessionID,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"text": caption},
	}
	return m, tea.Batch(sendCmd(m.bridge, input), m.spinner.Tick)
}

// handleOutput folds one bridge message into the transcript.
func (m *Model) handleOutput(msg bridge.OutputMessage) {
	switch msg.Type {
	case bridge.OutputStatus:
		m.connState = msg.Content
		return

	case bridge.OutputText:
		if msg.Streaming {
			if m.streamIdx < 0 {
				m.appendLine("assistant", msg.Content)
				m.streamIdx = len(m.lines) - 1
			} else {
				m.lines[m.streamIdx].Content += msg.Content
			}
		} else {
			m.appendLine("assistant", msg.Content)
		}

	case bridge.OutputImage, bridge.OutputVoice, bridge.OutputFile:
		m.appendLine("assistant", fmt.Sprintf("[%s] %s  (/download %s)", msg.Type, msg.Content, msg.Content))
		m.recordHistory(history.RoleAssistant, msg.Type, msg.Content)

	case bridge.OutputEnd:
		if m.streamIdx >= 0 {
			m.recordHistory(history.RoleAssistant, "text", m.lines[m.streamIdx].Content)
			m.streamIdx = -1
		} else if n := len(m.lines); n > 0 && m.lines[n-1].Role == "assistant" {
			m.recordHistory(history.RoleAssistant, "text", m.lines[n-1].Content)
		}
		if msg.Metadata["break"] == "true" {
			m.appendLine("system", "Reply interrupted by the server.")
		}
		m.pending = false

	case bridge.OutputError:
		m.lastError = msg.Content
		m.appendLine("system", "Error: "+msg.Content)
		m.pending = false
		m.streamIdx = -1

	case bridge.OutputSaved:
		// server-side persistence ack, nothing to render
		return
	}
	m.updateViewport()
}

func (m *Model) recordHistory(role, msgType, content string) {
	if m.store == nil || content == "" {
		return
	}
	_ = m.store.Append(&history.Record{
		SessionID: m.cfg.Server.SessionID,
		Role:      role,
		MsgType:   msgType,
		Content:   content,
	})
}

// View renders the interface.
func (m Model) View() string {
	if !m.ready {
		return "\n  Loading..."
	}
	switch m.page {
	case pageChat:
		return m.renderChatPage()
	default:
		return m.renderHomePage()
	}
}

func (m *Model) renderHomePage() string {
	theme := getTheme()
	var b strings.Builder

	topPadding := (m.height - 12) / 2
	if topPadding < 2 {
		topPadding = 2
	}
	b.WriteString(strings.Repeat("\n", topPadding))

	b.WriteString(renderLogo(m.width))
	b.WriteString("\n")

	inputWidth := min(75, m.width-4)
	padding := (m.width - inputWidth) / 2
	if padding < 0 {
		padding = 0
	}

	leftBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("┃ ")
	b.WriteString(strings.Repeat(" ", padding) + leftBorder + m.textarea.View() + "\n")
	bottomBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("╹")
	b.WriteString(strings.Repeat(" ", padding) + bottomBorder + "\n")

	serverInfo := lipgloss.NewStyle().Foreground(theme.textMuted).Render(
		fmt.Sprintf("%s  %s", m.cfg.Server.URL, m.connState))
	b.WriteString(strings.Repeat(" ", padding+2) + serverInfo + "\n")

	hints := lipgloss.NewStyle().Foreground(theme.textMuted).Render(
		"enter send  /help commands  esc quit")
	b.WriteString(strings.Repeat(" ", padding+2) + hints + "\n")

	currentLines := strings.Count(b.String(), "\n") + 1
	remaining := m.height - currentLines - 2
	if remaining > 0 {
		b.WriteString(strings.Repeat("\n", remaining))
	}

	b.WriteString("\n" + m.renderFooter())
	return b.String()
}

func (m *Model) renderChatPage() string {
	theme := getTheme()
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	chatHeight := m.height - 7
	if chatHeight < 5 {
		chatHeight = 5
	}
	m.viewport.Height = chatHeight
	m.viewport.Width = m.width - 4
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(m.viewport.View()))
	b.WriteString("\n")

	leftBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("┃ ")
	var inputContent string
	if m.pending {
		inputContent = m.spinner.View() + " waiting for reply..."
	} else {
		inputContent = m.textarea.View()
	}
	b.WriteString("  " + leftBorder + inputContent + "\n")
	bottomBorder := lipgloss.NewStyle().Foreground(theme.primary).Render("╹")
	b.WriteString("  " + bottomBorder + "\n")

	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	theme := getTheme()

	title := renderMiniLogo() + lipgloss.NewStyle().Foreground(theme.textMuted).Render(
		"  "+shortID(m.cfg.Server.SessionID))

	stateStyle := lipgloss.NewStyle().Foreground(theme.error)
	if m.connState == "connected" {
		stateStyle = lipgloss.NewStyle().Foreground(theme.success)
	}
	right := stateStyle.Render("● " + m.connState)

	gap := m.width - lipgloss.Width(title) - lipgloss.Width(right) - 4
	if gap < 1 {
		gap = 1
	}
	return "  " + title + strings.Repeat(" ", gap) + right
}

func (m *Model) renderFooter() string {
	theme := getTheme()

	var left string
	if m.lastError != "" {
		left = lipgloss.NewStyle().Foreground(theme.error).Render(truncate(m.lastError, m.width/2))
	} else {
		left = lipgloss.NewStyle().Foreground(theme.textMuted).Render(m.cfg.Server.URL)
	}
	right := lipgloss.NewStyle().Foreground(theme.textMuted).Render("/help commands")

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 4
	if gap < 1 {
		gap = 1
	}
	return "  " + left + strings.Repeat(" ", gap) + right
}

func (m *Model) resize() {
	m.viewport.Width = m.width - 4
	m.viewport.Height = m.height - 8
	m.textarea.SetWidth(min(70, m.width-10))
}

func (m *Model) appendLine(role, content string) {
	m.lines = append(m.lines, chatLine{
		Role:      role,
		Content:   strings.TrimRight(content, "\n"),
		Timestamp: time.Now(),
	})
}

func (m *Model) updateViewport() {
	theme := getTheme()
	var b strings.Builder

	for i, line := range m.lines {
		switch line.Role {
		case "user":
			border := lipgloss.NewStyle().Foreground(theme.primary).Render("┃")
			content := lipgloss.NewStyle().Foreground(theme.text).Render(line.Content)
			if m.cfg.UI.ShowTimestamp {
				content += lipgloss.NewStyle().Foreground(theme.textMuted).Render(
					"  " + line.Timestamp.Format("15:04"))
			}
			b.WriteString(border + " " + content)

		case "assistant":
			label := lipgloss.NewStyle().Foreground(theme.textMuted).Render("▶ assistant")
			b.WriteString(label + "\n")
			content := lipgloss.NewStyle().Foreground(theme.text).Width(m.viewport.Width - 2).Render(line.Content)
			b.WriteString(content)

		case "system":
			content := lipgloss.NewStyle().Foreground(theme.textMuted).Italic(true).Render(line.Content)
			b.WriteString(content)
		}
		if i < len(m.lines)-1 {
			b.WriteString("\n\n")
		}
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Run starts the TUI and blocks until it exits.
func Run(opts Options) error {
	p := tea.NewProgram(
		NewModel(opts),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}
