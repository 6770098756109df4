package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astrodesk/astrodesk/internal/devserver"
	syslogger "github.com/astrodesk/astrodesk/internal/system/logger"
)

var (
	devserverAddr     string
	devserverUsername string
	devserverPassword string
	devserverChunks   int
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local echo server for development",
	Long: `Runs a minimal AstrBot-compatible server that echoes messages back.
Useful for trying the chat surface without a real deployment:

  astrodesk devserver &
  astrodesk login --server http://localhost:6185`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := syslogger.New(syslogger.Config{StderrEnabled: true, Level: syslogger.ParseLevel("info")})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer mgr.Close()
		logger := mgr.NewLogger()

		srv := devserver.New(devserver.Options{
			Username:     devserverUsername,
			Password:     devserverPassword,
			Logger:       logger,
			StreamChunks: devserverChunks,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-stop
			fmt.Println("\nShutting down...")
			cancel()
		}()

		fmt.Printf("Dev server listening on %s (user %q)\n", devserverAddr, devserverUsername)
		return srv.Start(ctx, devserverAddr)
	},
}

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", ":6185", "listen address")
	devserverCmd.Flags().StringVar(&devserverUsername, "username", "astrbot", "login username")
	devserverCmd.Flags().StringVar(&devserverPassword, "password", "astrbot", "login password")
	devserverCmd.Flags().IntVar(&devserverChunks, "chunks", 4, "streaming chunks per reply")
}
