package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astrodesk/astrodesk/internal/config"
	syslogger "github.com/astrodesk/astrodesk/internal/system/logger"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect and manage log files",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := syslogger.DefaultLogDir()
		files, err := syslogger.ListLogFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		if len(files) == 0 {
			fmt.Printf("No log files found in %s\n", dir)
			return nil
		}

		total, _ := syslogger.TotalSize(dir)
		fmt.Printf("Log files (%d, total %.1f MB):\n\n", len(files), float64(total)/1024/1024)
		for _, f := range files {
			sizeMB := float64(f.Size) / 1024 / 1024
			fmt.Printf("  %-32s  %8.2f MB  %s\n", f.Name, sizeMB, f.ModTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\nLog directory: %s\n", dir)
		return nil
	},
}

var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the end of the latest log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetInt("lines")
		follow, _ := cmd.Flags().GetBool("follow")

		files, err := syslogger.ListLogFiles(syslogger.DefaultLogDir())
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No log files yet.")
			return nil
		}

		latest := files[0].Path
		tail, err := syslogger.TailFile(latest, lines)
		if err != nil {
			return err
		}
		for _, line := range tail {
			fmt.Println(line)
		}

		if !follow {
			return nil
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(stop)

		done := make(chan struct{})
		go func() {
			<-stop
			close(done)
		}()
		return syslogger.FollowFile(latest, os.Stdout, done)
	},
}

var logsQueryCmd = &cobra.Command{
	Use:   "query [pattern]",
	Short: "Search all log files for a pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := syslogger.DefaultLogDir()
		files, err := syslogger.ListLogFiles(dir)
		if err != nil {
			return err
		}

		totalMatches := 0
		for _, f := range files {
			matches, err := syslogger.QueryFile(f.Path, args[0])
			if err != nil || len(matches) == 0 {
				continue
			}
			fmt.Printf("--- %s (%d matches) ---\n", f.Name, len(matches))
			for _, line := range matches {
				fmt.Println(line)
			}
			totalMatches += len(matches)
		}
		fmt.Printf("\nTotal matches: %d across %d files\n", totalMatches, len(files))
		return nil
	},
}

var logsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up old log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			cfg = config.Default()
		}

		maxAge := cfg.Logging.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}

		mgr, err := syslogger.New(syslogger.Config{
			MaxAgeDays: maxAge,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
		})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer mgr.Close()

		removed, err := mgr.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup logs: %w", err)
		}
		if removed == 0 {
			fmt.Println("No expired log files to clean.")
		} else {
			fmt.Printf("Removed %d expired log files (older than %d days)\n", removed, maxAge)
		}
		return nil
	},
}

var logsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show log system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := syslogger.DefaultLogDir()
		files, _ := syslogger.ListLogFiles(dir)
		total, _ := syslogger.TotalSize(dir)

		fmt.Println("Log System Status:")
		fmt.Println()
		fmt.Printf("  Directory:    %s\n", dir)
		fmt.Printf("  Total files:  %d\n", len(files))
		fmt.Printf("  Total size:   %.2f MB\n", float64(total)/1024/1024)
		if len(files) > 0 {
			fmt.Printf("  Latest file:  %s\n", files[0].Name)
			fmt.Printf("  Latest time:  %s\n", files[0].ModTime.Local().Format("2006-01-02 15:04:05"))
		}

		cfg, err := config.Load()
		if err != nil {
			cfg = config.Default()
		}
		fmt.Printf("  Max age:      %d days\n", cfg.Logging.MaxAgeDays)
		fmt.Printf("  Max size:     %d MB per file\n", cfg.Logging.MaxSizeMB)
		fmt.Printf("  Log level:    %s\n", cfg.Logging.Level)
		return nil
	},
}

func init() {
	logsTailCmd.Flags().IntP("lines", "n", 50, "number of lines")
	logsTailCmd.Flags().BoolP("follow", "f", false, "follow new output")

	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsTailCmd)
	logsCmd.AddCommand(logsQueryCmd)
	logsCmd.AddCommand(logsCleanCmd)
	logsCmd.AddCommand(logsStatusCmd)
}
