// contactsd is the contacts-cache daemon CLI: it keeps a local index
// of the address book and per-number messaging capabilities fresh in
// the background, and exposes resolve/send operations over it.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tgra59/apple-mcp-enhanced/internal/bridge"
	"github.com/tgra59/apple-mcp-enhanced/internal/cache"
	"github.com/tgra59/apple-mcp-enhanced/internal/config"
	"github.com/tgra59/apple-mcp-enhanced/internal/confirm"
	"github.com/tgra59/apple-mcp-enhanced/internal/daemon"
	"github.com/tgra59/apple-mcp-enhanced/internal/extract"
	"github.com/tgra59/apple-mcp-enhanced/internal/resolve"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "contactsd",
		Short: "Contacts and messaging-capability cache daemon",
		Long: `Contactsd maintains a fast local index of the address book and of
per-number messaging capabilities, refreshed in the background from
the platform Contacts and Messages apps.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(capabilityCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("contactsd %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func newLogger() *zap.Logger {
	var log *zap.Logger
	var err error
	if verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func dataPaths() (dataDir, pidPath string, err error) {
	dataDir, err = config.GetDataDir()
	if err != nil {
		return "", "", err
	}
	return dataDir, filepath.Join(dataDir, daemon.PIDFileName), nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the refresh daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()

			dataDir, pidPath, err := dataPaths()
			if err != nil {
				return err
			}
			client, err := bridge.NewClient(log)
			if err != nil {
				return err
			}
			store := cache.NewStore(dataDir)

			d := daemon.New(client, store, pidPath, log)
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-ctx.Done()
				d.Stop()
			}()
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the refresh daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startDaemon()
		},
	}
}

func startDaemon() error {
	type Result struct {
		OK      bool   `json:"ok"`
		PID     int    `json:"pid,omitempty"`
		Message string `json:"message"`
	}

	_, pidPath, err := dataPaths()
	if err != nil {
		return err
	}
	if pid, running := daemon.ReadPID(pidPath); running {
		report(Result{OK: true, PID: pid, Message: fmt.Sprintf("daemon already running (pid %d)", pid)})
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	child := exec.Command(exe, "run")
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// Detach; the child owns its lifecycle from here.
	_ = child.Process.Release()

	// Give the child a moment to write its marker.
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if pid, running := daemon.ReadPID(pidPath); running {
			report(Result{OK: true, PID: pid, Message: fmt.Sprintf("daemon started (pid %d)", pid)})
			return nil
		}
	}
	return fmt.Errorf("daemon did not come up; run %q to see why", "contactsd run")
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopDaemon()
		},
	}
}

func stopDaemon() error {
	type Result struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}

	_, pidPath, err := dataPaths()
	if err != nil {
		return err
	}
	pid, running := daemon.ReadPID(pidPath)
	if !running {
		report(Result{OK: true, Message: "daemon not running"})
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal daemon (pid %d): %w", pid, err)
	}
	// An in-flight refresh finishes before the daemon exits.
	for i := 0; i < 100; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, still := daemon.ReadPID(pidPath); !still {
			report(Result{OK: true, Message: fmt.Sprintf("daemon stopped (pid %d)", pid)})
			return nil
		}
	}
	return fmt.Errorf("daemon (pid %d) did not exit", pid)
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopDaemon(); err != nil {
				return err
			}
			return startDaemon()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report daemon and cache status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, pidPath, err := dataPaths()
			if err != nil {
				return err
			}
			st, err := daemon.Status(cache.NewStore(dataDir), pidPath)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(st)
				return nil
			}
			if st.Running {
				fmt.Printf("daemon:   running (pid %d)\n", st.PID)
			} else {
				fmt.Println("daemon:   not running")
			}
			if st.LastFullUpdate != nil {
				fmt.Printf("cache:    %d contacts, %d numbers, updated %s ago\n",
					st.ContactCount, st.NumberCount, st.CacheAge)
				fmt.Printf("next:     %s\n", st.NextUpdate.Format(time.RFC3339))
			} else {
				fmt.Println("cache:    never built")
			}
			fmt.Printf("stale:    %v\n", st.Stale)
			fmt.Printf("interval: %dh, enabled: %v\n",
				st.Config.UpdateIntervalHours, st.Config.Enabled)
			return nil
		},
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Force one synchronous cache refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()

			dataDir, _, err := dataPaths()
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client, err := bridge.NewClient(log)
			if err != nil {
				return err
			}
			pipeline := extract.New(client, cache.NewStore(dataDir), log, extract.Options{
				BatchSize: cfg.ProbeBatchSize,
				Pause:     cfg.ProbePause(),
			})
			snap, err := pipeline.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			report(map[string]any{
				"ok":       true,
				"contacts": snap.Meta.ContactCount,
				"numbers":  snap.Meta.NumberCount,
			})
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change daemon configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			report(cfg)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one config value (a running daemon picks it up immediately)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			report(cfg)
			return nil
		},
	})
	return cmd
}

func loadResolver() (*resolve.Resolver, error) {
	dataDir, _, err := dataPaths()
	if err != nil {
		return nil, err
	}
	snap, err := cache.NewStore(dataDir).Load()
	if err != nil {
		return nil, err
	}
	return resolve.New(snap), nil
}

func resolveCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "resolve <query>",
		Short: "Resolve a name or number against the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadResolver()
			if err != nil {
				return err
			}

			type Result struct {
				Found   bool            `json:"found"`
				Name    string          `json:"name,omitempty"`
				Phones  []string        `json:"phones,omitempty"`
				Score   int             `json:"score,omitempty"`
				Matches []resolve.Match `json:"matches,omitempty"`
			}

			if entry, found := r.FindByPhone(args[0]); found {
				report(Result{Found: true, Name: entry.Name, Phones: entry.PhoneNumbers, Score: 100})
				return nil
			}
			entry, score, found := r.FindByName(args[0])
			res := Result{Found: found}
			if found {
				res.Name = entry.Name
				res.Phones = entry.PhoneNumbers
				res.Score = score
			} else {
				res.Matches = r.FindBestMatches(args[0], limit)
			}
			report(res)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Candidates to list when no confident match")
	return cmd
}

func capabilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capability <number>",
		Short: "Look up the cached messaging capability for a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadResolver()
			if err != nil {
				return err
			}
			rec := r.CapabilityFor(args[0])
			if rec == nil {
				report(map[string]any{"found": false})
				return nil
			}
			report(rec)
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "send <recipient> <message>",
		Short: "Send a message, gated behind an explicit confirmation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()

			r, err := loadResolver()
			if err != nil {
				return err
			}
			client, err := bridge.NewClient(log)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dataDir, _, err := dataPaths()
			if err != nil {
				return err
			}
			pipeline := extract.New(client, cache.NewStore(dataDir), log, extract.Options{
				BatchSize: cfg.ProbeBatchSize,
				Pause:     cfg.ProbePause(),
			})

			svc := confirm.NewService(r, pipeline, client, log)
			issued, err := svc.Issue(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			response := ""
			if !yes {
				fmt.Printf("%s\nSend? [yes/no]: ", issued.Summary)
				reader := bufio.NewReader(os.Stdin)
				line, _ := reader.ReadString('\n')
				response = strings.TrimSpace(line)
			}

			result, err := svc.Confirm(cmd.Context(), issued.Token, response)
			if err != nil {
				return err
			}
			report(result)
			// Return instead of exiting so deferred cleanup (the log
			// flush above) still runs; main translates the error into
			// the exit status.
			return sendResultErr(result)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the interactive confirmation prompt")
	return cmd
}

// sendResultErr maps an unsuccessful confirmation outcome onto the
// error that drives a non-zero exit status.
func sendResultErr(result *confirm.ConfirmResult) error {
	if result.Success {
		return nil
	}
	return fmt.Errorf("send not completed: %s", result.Outcome)
}

// report prints a structured result; human-oriented commands format
// their own text and bypass this.
func report(v any) {
	printJSON(v)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
