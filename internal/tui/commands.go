package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/astrodesk/astrodesk/internal/bridge"
)

// Command is one slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Category    string
	Handler     func(m *Model, args []string) (string, error)
}

func getBuiltinCommands() []Command {
	return []Command{
		// Session commands
		{Name: "sessions", Aliases: []string{"s"}, Description: "List server sessions", Category: "Session", Handler: cmdListSessions},
		{Name: "new", Aliases: []string{"n"}, Description: "Create a new session", Category: "Session", Handler: cmdNewSession},
		{Name: "switch", Aliases: []string{"sw"}, Description: "Switch to a session", Category: "Session", Handler: cmdSwitchSession},
		{Name: "delete", Aliases: []string{"del", "rm"}, Description: "Delete a session server-side", Category: "Session", Handler: cmdDeleteSession},

		// File commands
		{Name: "download", Aliases: []string{"dl"}, Description: "Download a server file", Category: "Files", Handler: cmdDownload},

		// System commands
		{Name: "clear", Aliases: []string{"cls", "c"}, Description: "Clear the chat view", Category: "System", Handler: cmdClearChat},
		{Name: "status", Aliases: []string{"st"}, Description: "Show connection status", Category: "System", Handler: cmdStatus},
		{Name: "history", Aliases: []string{"hist"}, Description: "Show local transcript", Category: "System", Handler: cmdHistory},
		{Name: "help", Aliases: []string{"h", "?"}, Description: "Show help", Category: "System", Handler: cmdHelp},
		{Name: "quit", Aliases: []string{"q", "exit"}, Description: "Quit", Category: "System", Handler: cmdQuit},
	}
}

func findCommand(name string) *Command {
	name = strings.ToLower(strings.TrimSpace(name))
	cmds := getBuiltinCommands()
	for i := range cmds {
		if cmds[i].Name == name {
			return &cmds[i]
		}
		for _, alias := range cmds[i].Aliases {
			if alias == name {
				return &cmds[i]
			}
		}
	}
	return nil
}

func parseCommand(input string) (name string, args []string) {
	input = strings.TrimPrefix(strings.TrimSpace(input), "/")
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// runCommand dispatches a slash command. Attachment sends are handled here
// because they need a tea.Cmd; everything else goes through the table.
func (m Model) runCommand(text string) (tea.Model, tea.Cmd) {
	name, args := parseCommand(text)

	switch name {
	case "image", "img", "file", "voice":
		if len(args) == 0 {
			m.appendLine("system", "Usage: /"+name+" <path> [caption]")
			m.updateViewport()
			return m, nil
		}
		if m.pending {
			m.appendLine("system", "A reply is still streaming; wait for it to finish.")
			m.updateViewport()
			return m, nil
		}
		inputType := bridge.InputFile
		switch name {
		case "image", "img":
			inputType = bridge.InputImage
		case "voice":
			inputType = bridge.InputVoice
		}
		caption := strings.Join(args[1:], " ")
		return m.sendAttachment(inputType, args[0], caption)
	}

	cmd := findCommand(name)
	if cmd == nil {
		m.appendLine("system", "Unknown command: /"+name)
		m.updateViewport()
		return m, nil
	}

	result, err := cmd.Handler(&m, args)
	switch {
	case err != nil:
		m.appendLine("system", "Error: "+err.Error())
	case result == "__QUIT__":
		return m, tea.Quit
	case result != "":
		m.appendLine("system", result)
	}
	m.updateViewport()
	return m, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func cmdListSessions(m *Model, args []string) (string, error) {
	ctx, cancel := commandContext()
	defer cancel()
	sessions, err := m.bridge.Client().ListSessions(ctx, "")
	if err != nil {
		return "", err
	}
	m.sessions = sessions
	if len(sessions) == 0 {
		return "No sessions found.", nil
	}
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for i, s := range sessions {
		cur := " "
		if s.SessionID == m.cfg.Server.SessionID {
			cur = "*"
		}
		b.WriteString(fmt.Sprintf(" %s [%d] %s  %s\n", cur, i, shortID(s.SessionID), s.UpdatedAt))
	}
	return b.String(), nil
}

func cmdNewSession(m *Model, args []string) (string, error) {
	ctx, cancel := commandContext()
	defer cancel()
	sessionID, err := m.bridge.Client().CreateSession(ctx, "")
	if err != nil {
		return "", err
	}
	m.cfg.Server.SessionID = sessionID
	_ = m.cfg.Save()
	m.lines = nil
	m.streamIdx = -1
	return "Created session " + shortID(sessionID), nil
}

func cmdSwitchSession(m *Model, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: /switch <id-prefix-or-index>", nil
	}
	target := args[0]

	var idx int
	if _, err := fmt.Sscanf(target, "%d", &idx); err == nil && idx >= 0 && idx < len(m.sessions) {
		return m.switchTo(m.sessions[idx].SessionID), nil
	}
	for _, s := range m.sessions {
		if strings.HasPrefix(s.SessionID, target) {
			return m.switchTo(s.SessionID), nil
		}
	}
	return "Session not found: " + target, nil
}

func (m *Model) switchTo(sessionID string) string {
	m.cfg.Server.SessionID = sessionID
	_ = m.cfg.Save()
	m.lines = nil
	m.streamIdx = -1
	if m.store != nil {
		if records, err := m.store.Recent(sessionID, 50); err == nil {
			for _, r := range records {
				role := r.Role
				if role != "user" && role != "assistant" {
					role = "system"
				}
				m.appendLine(role, r.Content)
			}
		}
	}
	return "Switched to " + shortID(sessionID)
}

func cmdDeleteSession(m *Model, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: /delete <id-prefix>", nil
	}
	target := ""
	for _, s := range m.sessions {
		if strings.HasPrefix(s.SessionID, args[0]) {
			target = s.SessionID
			break
		}
	}
	if target == "" {
		return "Session not found: " + args[0], nil
	}

	ctx, cancel := commandContext()
	defer cancel()
	if err := m.bridge.Client().DeleteSession(ctx, target); err != nil {
		return "", err
	}
	if target == m.cfg.Server.SessionID {
		m.cfg.Server.SessionID = ""
		_ = m.cfg.Save()
	}
	return "Deleted " + shortID(target), nil
}

func cmdDownload(m *Model, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: /download <filename>", nil
	}
	dir, err := m.cfg.DownloadDir()
	if err != nil {
		return "", err
	}
	savePath := filepath.Join(dir, filepath.Base(args[0]))

	ctx, cancel := commandContext()
	defer cancel()
	if err := m.bridge.Client().DownloadFile(ctx, args[0], savePath); err != nil {
		return "", err
	}
	return "Saved to " + savePath, nil
}

func cmdClearChat(m *Model, args []string) (string, error) {
	m.lines = nil
	m.streamIdx = -1
	if len(args) > 0 && args[0] == "all" && m.store != nil {
		n, err := m.store.Clear(m.cfg.Server.SessionID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Chat cleared, %d local records removed.", n), nil
	}
	return "Chat cleared.", nil
}

func cmdStatus(m *Model, args []string) (string, error) {
	return fmt.Sprintf("Status:\n  Server:  %s\n  State:   %s\n  Session: %s\n  Stream:  %v",
		m.cfg.Server.URL, m.bridge.State(), shortID(m.cfg.Server.SessionID), m.cfg.Server.EnableStreaming), nil
}

func cmdHistory(m *Model, args []string) (string, error) {
	if m.store == nil {
		return "Local history is disabled.", nil
	}
	n := 10
	if len(args) > 0 {
		fmt.Sscanf(args[0], "%d", &n)
	}
	records, err := m.store.Recent(m.cfg.Server.SessionID, n)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "No local history for this session.", nil
	}
	var b strings.Builder
	b.WriteString("Recent messages:\n")
	for _, r := range records {
		b.WriteString(fmt.Sprintf("  %-9s %s\n", r.Role+":", truncate(r.Content, 70)))
	}
	return b.String(), nil
}

func cmdHelp(m *Model, args []string) (string, error) {
	cmds := getBuiltinCommands()
	cats := make(map[string][]Command)
	for _, cmd := range cmds {
		cats[cmd.Category] = append(cats[cmd.Category], cmd)
	}
	var b strings.Builder
	b.WriteString("Commands:\n\n")
	keys := make([]string, 0, len(cats))
	for k := range cats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, cat := range keys {
		b.WriteString(fmt.Sprintf("[%s]\n", cat))
		for _, cmd := range cats[cat] {
			als := ""
			if len(cmd.Aliases) > 0 {
				als = fmt.Sprintf(" (/%s)", strings.Join(cmd.Aliases, ", /"))
			}
			b.WriteString(fmt.Sprintf("  /%s%s - %s\n", cmd.Name, als, cmd.Description))
		}
		b.WriteString("\n")
	}
	b.WriteString("[Attachments]\n")
	b.WriteString("  /image <path> [caption] - Send an image\n")
	b.WriteString("  /file <path> [caption] - Send a file\n")
	b.WriteString("  /voice <path> - Send a voice recording\n")
	return b.String(), nil
}

func cmdQuit(m *Model, args []string) (string, error) {
	return "__QUIT__", nil
}
