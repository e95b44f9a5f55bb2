package cmd

import (
	"context"
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meshmeet/meshmeet/internal/chat"
	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/media"
	"github.com/meshmeet/meshmeet/internal/session"
	"github.com/meshmeet/meshmeet/internal/signal"
	"github.com/meshmeet/meshmeet/internal/transport"
	"github.com/meshmeet/meshmeet/internal/ui"
)

var (
	flagName     string
	flagUserID   string
	flagEnv      string
	flagChatURL  string
	flagCallURL  string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
)

var joinCmd = &cobra.Command{
	Use:     "join <room>",
	Aliases: []string{"j"},
	Short:   "Join a room's call and chat",
	Long: `Join a room: opens the microphone (muted), connects to the signaling
server and establishes a direct media link to every other participant.

Examples:
  meshmeet join team-standup --name "Alice"
  meshmeet join demo --call-url wss://meet.example.com/call --chat-url wss://meet.example.com/chat`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name shown to other participants")
	joinCmd.Flags().StringVar(&flagUserID, "user", "", "stable user id (random when omitted)")
	joinCmd.Flags().StringVar(&flagEnv, "env", "", "environment: development or production")
	joinCmd.Flags().StringVar(&flagChatURL, "chat-url", "", "chat/presence websocket endpoint")
	joinCmd.Flags().StringVar(&flagCallURL, "call-url", "", "call-control websocket endpoint")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URL")
	joinCmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server host")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	rootCmd.AddCommand(joinCmd)
}

func joinRoom(room string) error {
	cfg, err := config.Load(config.Options{
		Env:           flagEnv,
		ChatSocketURL: flagChatURL,
		CallSocketURL: flagCallURL,
		STUNServer:    flagSTUN,
		TURNServer:    flagTURN,
		TURNUser:      flagTURNUser,
		TURNPass:      flagTURNPass,
	})
	if err != nil {
		return err
	}

	userID := flagUserID
	if userID == "" {
		userID = uuid.NewString()
	}
	displayName := flagName
	if displayName == "" {
		displayName = "guest-" + userID[:8]
	}

	capture, err := media.NewCaptureDevice()
	if err != nil {
		return fmt.Errorf("media setup: %w", err)
	}

	callClient := signal.NewCallClient(transport.NewClient(cfg.CallSocketURL))
	channel := chat.NewChannel(transport.NewClient(cfg.ChatSocketURL), room, userID, displayName)

	mgr := session.NewManager(session.Config{
		Room:        room,
		UserID:      userID,
		DisplayName: displayName,
		FallbackICE: fallbackICE(cfg),
	}, capture, callClient, session.NewRTCDialerFactory(callClient, capture))
	defer mgr.Close()

	model := ui.NewRoomModel(room, displayName, mgr, channel)

	go func() {
		if err := channel.Join(context.Background()); err != nil {
			slog.Warn("chat unavailable", "error", err)
		}
		if err := mgr.Join(context.Background()); err != nil {
			slog.Error("join failed", "error", err)
		}
	}()

	program := tea.NewProgram(model, tea.WithAltScreen())
	_, runErr := program.Run()

	mgr.Leave()
	channel.Leave()
	return runErr
}

// fallbackICE assembles the locally-configured ICE servers, used when the
// signaling server does not advertise its own.
func fallbackICE(cfg *config.Config) []signal.ICEServer {
	servers := []signal.ICEServer{{URLs: cfg.GetSTUNServers()}}
	if turn := cfg.GetTURNServers(); len(turn) > 0 {
		user, pass := cfg.GetTURNCredentials()
		servers = append(servers, signal.ICEServer{
			URLs:       turn,
			Username:   user,
			Credential: pass,
		})
	}
	return servers
}
