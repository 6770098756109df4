package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/astrodesk/astrodesk/internal/bridge"
	"github.com/astrodesk/astrodesk/internal/config"
)

// --- Login Command ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the server and store the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL != "" || username != "" || password != "" {
			a.bridge.UpdateServerConfig(serverURL, username, password)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		msg, err := a.bridge.ConnectServer(ctx)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("✅ %s\n", msg)
		fmt.Printf("   Server:  %s\n", a.cfg.Server.URL)
		fmt.Printf("   Session: %s\n", a.cfg.Server.SessionID)
		return nil
	},
}

// --- Send Command ---

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send one message and print the streamed reply",
	Args:  cobra.MinimumNArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath, _ := cmd.Flags().GetString("image")
		filePath, _ := cmd.Flags().GetString("file")
		voicePath, _ := cmd.Flags().GetString("voice")
		text := strings.Join(args, " ")

		if text == "" && imagePath == "" && filePath == "" && voicePath == "" {
			return fmt.Errorf("nothing to send: pass a message or --image/--file/--voice")
		}

		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()

		if _, err := a.bridge.ConnectServer(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		input := bridge.InputMessage{
			Type:      bridge.InputText,
			Content:   text,
			Timestamp: time.Now(),
		}
		switch {
		case imagePath != "":
			input.Type = bridge.InputImage
			input.Content = imagePath
			input.Metadata = map[string]string{"text": text}
		case filePath != "":
			input.Type = bridge.InputFile
			input.Content = filePath
			input.Metadata = map[string]string{"text": text}
		case voicePath != "":
			input.Type = bridge.InputVoice
			input.Content = voicePath
		}

		var sendErr string
		a.bridge.Subscribe(func(msg bridge.OutputMessage) {
			switch msg.Type {
			case bridge.OutputText:
				if msg.Streaming {
					fmt.Print(msg.Content)
				} else {
					fmt.Println(msg.Content)
				}
			case bridge.OutputImage, bridge.OutputVoice, bridge.OutputFile:
				fmt.Printf("[%s] %s\n", msg.Type, msg.Content)
			case bridge.OutputEnd:
				fmt.Println()
			case bridge.OutputError:
				sendErr = msg.Content
			}
		})

		a.bridge.SendInput(ctx, input)
		if sendErr != "" {
			return fmt.Errorf("send failed: %s", sendErr)
		}
		return nil
	},
}

// --- Sessions Command ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage server-side chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, func(ctx context.Context, a *app) error {
			sessions, err := a.bridge.Client().ListSessions(ctx, "")
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			for _, s := range sessions {
				cur := " "
				if s.SessionID == a.cfg.Server.SessionID {
					cur = "*"
				}
				fmt.Printf(" %s %s  %-10s %s\n", cur, s.SessionID, s.PlatformID, s.UpdatedAt)
			}
			return nil
		})
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session and make it current",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, func(ctx context.Context, a *app) error {
			sessionID, err := a.bridge.Client().CreateSession(ctx, "")
			if err != nil {
				return err
			}
			a.cfg.Server.SessionID = sessionID
			if err := a.cfg.Save(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Created session %s\n", sessionID)
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete a session server-side",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, func(ctx context.Context, a *app) error {
			if err := a.bridge.Client().DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			if a.cfg.Server.SessionID == args[0] {
				a.cfg.Server.SessionID = ""
				_ = a.cfg.Save()
			}
			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Print a session's server-side transcript as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, func(ctx context.Context, a *app) error {
			sessionID := a.cfg.Server.SessionID
			if len(args) > 0 {
				sessionID = args[0]
			}
			if sessionID == "" {
				return fmt.Errorf("no session id: pass one or run 'astrodesk sessions new'")
			}
			raw, err := a.bridge.Client().GetSessionHistory(ctx, sessionID)
			if err != nil {
				return err
			}
			var pretty any
			if err := json.Unmarshal(raw, &pretty); err == nil {
				out, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Println(string(out))
			} else {
				fmt.Println(string(raw))
			}
			return nil
		})
	},
}

// --- Files Command ---

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Upload and download files",
}

var filesUploadCmd = &cobra.Command{
	Use:   "upload [path]",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, func(ctx context.Context, a *app) error {
			att, err := a.bridge.Client().UploadFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %s\n", att.Filename)
			fmt.Printf("  attachment_id: %s\n", att.AttachmentID)
			return nil
		})
	},
}

var filesDownloadCmd = &cobra.Command{
	Use:   "download [filename]",
	Short: "Download a server-side file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, func(ctx context.Context, a *app) error {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				dir, err := a.cfg.DownloadDir()
				if err != nil {
					return err
				}
				out = filepath.Join(dir, filepath.Base(args[0]))
			}
			if err := a.bridge.Client().DownloadFile(ctx, args[0], out); err != nil {
				return err
			}
			fmt.Printf("Saved to %s\n", out)
			return nil
		})
	},
}

var filesGetAttachmentCmd = &cobra.Command{
	Use:   "get-attachment [attachment-id] [save-path]",
	Short: "Download an uploaded attachment by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnected(cmd, func(ctx context.Context, a *app) error {
			if err := a.bridge.Client().GetAttachment(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Saved to %s\n", args[1])
			return nil
		})
	},
}

// --- Config Command ---

var configCmdGroup = &cobra.Command{
	Use:   "config",
	Short: "Manage AstroDesk configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show full configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		redacted := *cfg
		if redacted.Server.Password != "" {
			redacted.Server.Password = "********"
		}
		if redacted.Server.Token != "" {
			redacted.Server.Token = "********"
		}
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Println(string(data))
		fmt.Printf("\nConfig file: %s\n", config.ConfigPath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Supported keys:
  server.url, server.username, server.password, server.wsPort,
  server.enableStreaming, server.provider, server.model,
  ui.theme, ui.showTimestamp, logging.level`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := setConfigKey(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}

func setConfigKey(cfg *config.Config, key, value string) error {
	switch key {
	case "server.url":
		cfg.Server.URL = strings.TrimRight(value, "/")
		// a different server invalidates the stored token
		cfg.Server.Token = ""
	case "server.username":
		cfg.Server.Username = value
		cfg.Server.Token = ""
	case "server.password":
		cfg.Server.Password = value
		cfg.Server.Token = ""
	case "server.wsPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port %q", value)
		}
		cfg.Server.WSPort = port
	case "server.enableStreaming":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool %q", value)
		}
		cfg.Server.EnableStreaming = b
	case "server.provider":
		cfg.Server.Provider = value
	case "server.model":
		cfg.Server.Model = value
	case "ui.theme":
		if value != "dark" && value != "light" {
			return fmt.Errorf("theme must be dark or light")
		}
		cfg.UI.Theme = value
	case "ui.showTimestamp":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool %q", value)
		}
		cfg.UI.ShowTimestamp = b
	case "logging.level":
		cfg.Logging.Level = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.ConfigPath())
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Server:   %s\n", a.cfg.Server.URL)
		fmt.Printf("Username: %s\n", a.cfg.Server.Username)
		fmt.Printf("Session:  %s\n", a.cfg.Server.SessionID)

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if a.bridge.Client().Token() != "" && a.bridge.Client().CheckConnection(ctx) {
			fmt.Println("State:    ✅ connected (token valid)")
		} else {
			fmt.Println("State:    ❌ not connected (run 'astrodesk login')")
		}

		if a.store != nil {
			if stats, err := a.store.GetStats(); err == nil {
				fmt.Printf("History:  %d messages in %d sessions (%s)\n",
					stats.TotalMessages, len(stats.BySession), a.store.DBPath())
			}
		} else {
			fmt.Println("History:  disabled")
		}
		return nil
	},
}

// withConnected loads the app, validates the connection and runs fn.
func withConnected(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	if _, err := a.bridge.ConnectServer(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return fn(ctx, a)
}

func init() {
	loginCmd.Flags().String("server", "", "server base URL")
	loginCmd.Flags().String("username", "", "username")
	loginCmd.Flags().String("password", "", "password")

	sendCmd.Flags().String("image", "", "send an image with optional caption")
	sendCmd.Flags().String("file", "", "send a file with optional caption")
	sendCmd.Flags().String("voice", "", "send a voice recording")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)

	filesDownloadCmd.Flags().String("out", "", "save path (defaults to the download dir)")
	filesCmd.AddCommand(filesUploadCmd)
	filesCmd.AddCommand(filesDownloadCmd)
	filesCmd.AddCommand(filesGetAttachmentCmd)

	configCmdGroup.AddCommand(configShowCmd)
	configCmdGroup.AddCommand(configSetCmd)
	configCmdGroup.AddCommand(configPathCmd)
}
