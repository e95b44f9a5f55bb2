package cmd

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/server"
	"github.com/meshmeet/meshmeet/internal/signal"
	"github.com/meshmeet/meshmeet/internal/ui"
)

var (
	flagServeAddr string
	flagServeSTUN string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development signaling server",
	Long: `Run the signaling server locally: the call-control socket on /call, the
chat/presence socket on /chat and a /health endpoint. Clients in the same
room find each other through it and then talk peer to peer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&flagServeSTUN, "stun", "", "STUN server advertised to clients")
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	cfg, err := config.Load(config.Options{STUNServer: flagServeSTUN})
	if err != nil {
		return err
	}

	iceServers := []signal.ICEServer{{URLs: cfg.GetSTUNServers()}}
	if turn := cfg.GetTURNServers(); len(turn) > 0 {
		user, pass := cfg.GetTURNCredentials()
		iceServers = append(iceServers, signal.ICEServer{URLs: turn, Username: user, Credential: pass})
	}

	calls := server.NewCallHub(iceServers)
	chats := server.NewChatHub()
	go calls.Run()
	go chats.Run()

	ui.PrintInfof("Signaling server listening on %s (/call, /chat, /health)", flagServeAddr)
	slog.Info("signaling server starting", "addr", flagServeAddr)
	if err := http.ListenAndServe(flagServeAddr, server.Handler(calls, chats)); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
