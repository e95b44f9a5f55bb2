package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/meshmeet/meshmeet/internal/session"
)

// RosterView renders the call roster as a table: who is here, whether their
// link is up, and what they are sending.
func RosterView(participants []session.Participant) string {
	if len(participants) == 0 {
		return MutedStyle.Render("Nobody else is here yet.")
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.AppendHeader(table.Row{"Participant", "Link", "Mic", "Camera", "RTT"})

	for _, p := range participants {
		name := p.DisplayName
		if name == "" {
			name = p.UserID
		}

		link := MutedStyle.Render("connecting")
		if p.Linked {
			link = SuccessStyle.Render("up")
		}

		mic := IconMic
		if p.Muted {
			mic = IconMuted
		}
		camera := MutedStyle.Render("off")
		if p.VideoOn {
			camera = IconCamera
		}

		rtt := "-"
		if p.RTT > 0 {
			rtt = fmt.Sprintf("%dms", p.RTT.Round(time.Millisecond).Milliseconds())
		}

		t.AppendRow(table.Row{IconPeer + " " + name, link, mic, camera, rtt})
	}

	return t.Render()
}
