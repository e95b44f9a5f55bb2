// Package ui renders the terminal surfaces: the live room view while in a
// call, and the styled one-shot output of the commands around it.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/meshmeet/meshmeet/internal/chat"
	"github.com/meshmeet/meshmeet/internal/session"
)

const chatLogLines = 8

type refreshMsg struct{}

type toggleResultMsg struct{ err error }

// RoomModel is the in-call view: roster, chat log and the local mute/video
// controls.
type RoomModel struct {
	room string
	self string

	mgr *session.Manager
	ch  *chat.Channel

	spin         spinner.Model
	input        textinput.Model
	inputFocused bool
	notice       string
	width        int
	quitting     bool

	updates chan struct{}
}

// NewRoomModel wires the view to a running session manager and chat channel.
func NewRoomModel(room, displayName string, mgr *session.Manager, ch *chat.Channel) *RoomModel {
	spin := spinner.New()
	spin.Spinner = spinner.Globe
	spin.Style = SpinnerStyle

	input := textinput.New()
	input.Placeholder = "Type a message, Enter to send, Esc to leave the box"
	input.CharLimit = 500

	m := &RoomModel{
		room:    room,
		self:    displayName,
		mgr:     mgr,
		ch:      ch,
		spin:    spin,
		input:   input,
		updates: make(chan struct{}, 1),
	}

	// Both sources coalesce into one refresh signal; the view re-reads all
	// snapshots on every refresh anyway.
	mgr.OnChange(m.poke)
	ch.OnMessage(func(chat.Message) { m.poke() })
	ch.OnRoster(func([]chat.User) { m.poke() })
	return m
}

func (m *RoomModel) poke() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

func (m *RoomModel) waitRefresh() tea.Cmd {
	return func() tea.Msg {
		<-m.updates
		return refreshMsg{}
	}
}

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitRefresh(), textinput.Blink)
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case refreshMsg:
		return m, m.waitRefresh()

	case toggleResultMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *RoomModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.quitting = true
		return m, tea.Quit
	}

	if m.inputFocused {
		switch msg.Type {
		case tea.KeyEsc:
			m.inputFocused = false
			m.input.Blur()
			m.ch.StopTyping()
			return m, nil
		case tea.KeyEnter:
			if text := strings.TrimSpace(m.input.Value()); text != "" {
				m.ch.Send(text)
			}
			m.input.Reset()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace || msg.Type == tea.KeyBackspace {
			m.ch.Typing()
		}
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "m":
		mgr := m.mgr
		return m, func() tea.Msg { return toggleResultMsg{err: mgr.ToggleMute()} }
	case "v":
		// camera acquisition can take a moment; keep it off the UI loop
		mgr := m.mgr
		return m, func() tea.Msg { return toggleResultMsg{err: mgr.ToggleVideo()} }
	case "i", "/":
		m.inputFocused = true
		m.notice = ""
		return m, m.input.Focus()
	}
	return m, nil
}

func (m *RoomModel) View() string {
	if m.quitting {
		return MutedStyle.Render("Leaving the room...") + "\n"
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s", IconRoom, m.room)))
	b.WriteString("\n")

	switch m.mgr.State() {
	case session.StateAcquiringMedia:
		b.WriteString(fmt.Sprintf("%s Opening microphone...\n", m.spin.View()))
		return b.String()
	case session.StateConnectingSignaling:
		b.WriteString(fmt.Sprintf("%s Connecting to the room...\n", m.spin.View()))
		return b.String()
	case session.StateFailed:
		reason := "call failed"
		if err := m.mgr.LastError(); err != nil {
			reason = err.Error()
		}
		b.WriteString(ErrorBoxStyle.Render(fmt.Sprintf("%s %s", IconError, reason)))
		b.WriteString("\n" + FooterStyle.Render("q quit"))
		return b.String()
	case session.StateLeaving:
		b.WriteString(fmt.Sprintf("%s Leaving...\n", m.spin.View()))
		return b.String()
	case session.StateIdle:
		b.WriteString(fmt.Sprintf("%s Starting up...\n", m.spin.View()))
		return b.String()
	}

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(RosterView(m.mgr.Participants()))
	b.WriteString("\n\n")
	b.WriteString(m.chatView())
	b.WriteString("\n")

	if m.notice != "" {
		b.WriteString(WarningStyle.Render(IconWarning+" "+m.notice) + "\n")
	}

	if m.inputFocused {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	} else {
		b.WriteString(FooterStyle.Render("m mute · v camera · i chat · q leave"))
	}
	return b.String()
}

func (m *RoomModel) statusLine() string {
	mic := SuccessStyle.Render(IconMic + " live")
	if m.mgr.Muted() {
		mic = MutedStyle.Render(IconMuted + " muted")
	}
	camera := MutedStyle.Render(IconCamera + " off")
	if m.mgr.VideoOn() {
		camera = SuccessStyle.Render(IconCamera + " on")
	}
	streams := len(m.mgr.RemoteStreams())
	return fmt.Sprintf("%s  %s  %s %d inbound", mic, camera, IconChat, streams)
}

func (m *RoomModel) chatView() string {
	messages := m.ch.Messages()
	start := 0
	if len(messages) > chatLogLines {
		start = len(messages) - chatLogLines
	}

	var b strings.Builder
	for _, msg := range messages[start:] {
		name := msg.DisplayName
		if name == "" {
			name = msg.UserID
		}
		style := SubtitleStyle
		if name == m.self {
			style = BoldStyle
		}
		b.WriteString(fmt.Sprintf("%s %s\n", style.Render(name+":"), msg.Text))
	}

	if typing := m.ch.TypingUsers(); len(typing) > 0 {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("%s %s typing...", IconTyping, strings.Join(typing, ", "))))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return MutedStyle.Render("No messages yet. Press i to chat.")
	}
	return strings.TrimRight(b.String(), "\n")
}
