package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/astrodesk/astrodesk/internal/remote"
	"github.com/astrodesk/astrodesk/internal/tui"
	"github.com/astrodesk/astrodesk/internal/ws"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat interface",
	Long: `Open the interactive terminal chat. Connects to the server, opens the
WebSocket side channel for server-initiated commands and streams replies
live into the transcript.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		// Connect up front so the side channel has a valid token.
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		greeting, err := a.bridge.ConnectServer(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		a.logger.Info("connected", "detail", greeting)

		var handler *remote.Handler
		channel, err := ws.NewChannel(ws.Config{
			ServerURL: a.cfg.Server.URL,
			Token:     a.bridge.Client().Token(),
			SessionID: a.cfg.Server.SessionID,
			WSPort:    a.cfg.Server.WSPort,
			OnFrame: func(raw json.RawMessage) {
				handler.HandleFrame(raw)
			},
			Logger: a.logger,
		})
		if err != nil {
			return fmt.Errorf("side channel: %w", err)
		}

		handler = remote.New(channel, a.logger)
		channel.Start()
		defer channel.Stop()

		reportCtx, stopReports := context.WithCancel(cmd.Context())
		defer stopReports()
		go handler.ReportLoop(reportCtx, channel, a.cfg.Server.SessionID, 5*time.Minute)

		return tui.Run(tui.Options{
			Config: a.cfg,
			Bridge: a.bridge,
			Store:  a.store,
		})
	},
}
