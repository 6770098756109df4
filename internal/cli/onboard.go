package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/astrodesk/astrodesk/internal/config"
)

var (
	onboardServer   string
	onboardUsername string
	onboardPassword string
	onboardSkipTest bool
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Interactive first-time setup",
	Long: `Walks through connecting AstroDesk to an AstrBot server: server
address, credentials, streaming and theme preferences. Saves the result
to ~/.astrodesk/astrodesk.json and verifies the login.`,
	RunE: runOnboard,
}

func init() {
	onboardCmd.Flags().StringVar(&onboardServer, "server", "", "Server URL (skips the prompt)")
	onboardCmd.Flags().StringVar(&onboardUsername, "username", "", "Login username (skips the prompt)")
	onboardCmd.Flags().StringVar(&onboardPassword, "password", "", "Login password (skips the prompt)")
	onboardCmd.Flags().BoolVar(&onboardSkipTest, "skip-test", false, "Save without verifying the connection")
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	serverURL := onboardServer
	if serverURL == "" {
		serverURL = cfg.Server.URL
	}
	username := onboardUsername
	if username == "" {
		username = cfg.Server.Username
	}
	password := onboardPassword
	streaming := cfg.Server.EnableStreaming
	theme := cfg.UI.Theme
	if theme == "" {
		theme = "auto"
	}

	interactive := onboardServer == "" || onboardPassword == ""
	if interactive {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Server URL").
					Description("Address of your AstrBot dashboard, e.g. http://localhost:6185").
					Value(&serverURL).
					Validate(validateServerURL),
				huh.NewInput().
					Title("Username").
					Value(&username).
					Validate(notEmpty("username")),
				huh.NewInput().
					Title("Password").
					EchoMode(huh.EchoModePassword).
					Value(&password),
			),
			huh.NewGroup(
				huh.NewConfirm().
					Title("Enable streaming replies?").
					Description("Render the model output while it is being generated").
					Value(&streaming),
				huh.NewSelect[string]().
					Title("Theme").
					Options(
						huh.NewOption("Auto (follow terminal)", "auto"),
						huh.NewOption("Dark", "dark"),
						huh.NewOption("Light", "light"),
					).
					Value(&theme),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("setup cancelled: %w", err)
		}
	}

	cfg.Server.URL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	cfg.Server.Username = strings.TrimSpace(username)
	if password != "" {
		cfg.Server.Password = password
	}
	cfg.Server.Token = ""
	cfg.Server.EnableStreaming = streaming
	cfg.UI.Theme = theme

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Configuration saved to %s\n", config.ConfigPath())

	if onboardSkipTest {
		return nil
	}

	fmt.Print("Testing connection... ")
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	greeting, err := a.bridge.ConnectServer(ctx)
	if err != nil {
		fmt.Println("failed")
		fmt.Printf("\n  %v\n\nCheck the server address and credentials, then rerun `astrodesk onboard`.\n", err)
		return nil
	}
	fmt.Println("ok")
	fmt.Printf("\n%s\nSession: %s\n\nRun `astrodesk chat` to start talking.\n", greeting, a.cfg.Server.SessionID)
	return nil
}

func validateServerURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
