package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vibetune/config"
	"vibetune/internal/authtoken"
	"vibetune/internal/bot"
	"vibetune/internal/credentials"
	"vibetune/internal/dispatch"
	"vibetune/internal/doctor"
	"vibetune/internal/inference"
	"vibetune/internal/ledger"
	"vibetune/internal/orchestrator"
	"vibetune/internal/prefs"
	"vibetune/internal/registry"
	"vibetune/internal/server"
	"vibetune/internal/transport"
	"vibetune/pkg/db"
	"vibetune/pkg/migration"
	"vibetune/version"
)

var logToFile bool

var rootCmd = &cobra.Command{
	Use:   "vibetune",
	Short: "Run chat bots backed by fine-tuned models",
	Long: `vibetune runs one or more chat bots against an inference endpoint.
Each enabled bot in bots.yaml gets its own session; model replies can
invoke registered HTTP tools on the user's behalf.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ask the running daemon to re-sync bots from bots.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, status, err := controlRequest(http.MethodPost, "/sync")
		if err != nil {
			return fmt.Errorf("is the daemon running? %w", err)
		}

		var result bot.TriggerResult
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("unexpected response (%d): %s", status, strings.TrimSpace(string(body)))
		}
		if !result.Success {
			return fmt.Errorf("sync failed: %s", result.Error)
		}

		fmt.Printf("%s (%d -> %d bots)\n", result.Message, result.BotsBefore, result.BotsAfter)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's health",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _, err := controlRequest(http.MethodGet, "/healthz")
		if err != nil {
			fmt.Println("daemon: not running")
			return nil
		}

		var health struct {
			Status  string `json:"status"`
			Version string `json:"version"`
			Bots    int    `json:"bots"`
		}
		if err := json.Unmarshal(body, &health); err != nil {
			return fmt.Errorf("unexpected health response: %s", strings.TrimSpace(string(body)))
		}

		fmt.Printf("daemon: %s (version %s)\n", health.Status, health.Version)
		fmt.Printf("bots running: %d\n", health.Bots)
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage bot tokens in the system keyring",
	Long: `Secrets live in the system keyring and are referenced from bots.yaml
as token: keyring:<name>. The secret's name is also recorded in the
local database so 'secret list' works without probing the keyring.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Store a secret, reading its value from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		fmt.Fprintf(os.Stderr, "Enter value for %q: ", name)
		raw, err := io.ReadAll(io.LimitReader(os.Stdin, 64*1024))
		if err != nil {
			return fmt.Errorf("failed to read secret value: %w", err)
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			return fmt.Errorf("secret value is empty")
		}

		if err := credentials.SetSecret(name, value); err != nil {
			return fmt.Errorf("failed to store secret: %w", err)
		}

		if err := withSecretRegistry(func(ctx context.Context, reg *credentials.Registry) error {
			return reg.Register(ctx, name)
		}); err != nil {
			return err
		}

		fmt.Printf("Stored secret %q. Reference it in bots.yaml as token: keyring:%s\n", name, name)
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Remove a secret from the keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		if err := credentials.DeleteSecret(name); err != nil && err != credentials.ErrNotFound {
			return fmt.Errorf("failed to delete secret: %w", err)
		}
		if err := withSecretRegistry(func(ctx context.Context, reg *credentials.Registry) error {
			return reg.Unregister(ctx, name)
		}); err != nil {
			return err
		}

		fmt.Printf("Deleted secret %q\n", name)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered secret names",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecretRegistry(func(ctx context.Context, reg *credentials.Registry) error {
			names, err := reg.List(ctx)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No secrets registered")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the local setup",
	Run: func(cmd *cobra.Command, args []string) {
		report := doctor.GenerateReport()
		for _, check := range report.Checks {
			fmt.Printf("[%s] %-12s %s\n", check.Status, check.Name, check.Summary)
			for _, detail := range check.Details {
				fmt.Printf("       %s\n", detail)
			}
		}
		os.Exit(report.ExitCode())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vibetune %s\n", version.Get())
	},
}

func runServe() error {
	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	if settings.RegistryURL == "" {
		return fmt.Errorf("REGISTRY_URL is not set")
	}

	if logToFile {
		logPath, err := config.GetDaemonLogPath()
		if err != nil {
			return err
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	if err := config.EnsureBotsFileExists(); err != nil {
		return err
	}
	botsFile, err := config.GetBotsFile()
	if err != nil {
		return err
	}
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return err
	}

	handle, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer handle.Close()

	if err := migration.NewRunner(handle.Write()).Run(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := writePIDFile(); err != nil {
		return err
	}
	defer removePIDFile()

	tokens := authtoken.NewStore(handle)
	led := ledger.NewStore(handle)
	preferences := prefs.NewStore(handle, prefs.Preferences{
		ModelID:     settings.DefaultModelID,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
	})

	orch := orchestrator.New(
		inference.New(settings.InferenceURL,
			inference.WithTimeouts(settings.ConnectTimeout, settings.InferenceReadTimeout)),
		dispatch.New(
			dispatch.WithTimeouts(settings.ConnectTimeout, settings.ToolReadTimeout),
			dispatch.WithTokenSink(tokens)),
		led, tokens, settings,
	)

	manager := bot.NewManager(botsFile, bot.Deps{
		Registry: registry.New(settings.RegistryURL,
			registry.WithTimeouts(settings.ConnectTimeout, 30*time.Second)),
		Orchestrator: orch,
		Ledger:       led,
		Prefs:        preferences,
		NewTransport: func(token string) transport.Transport {
			return transport.NewLongPoller(token)
		},
	})
	defer manager.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Lifecycle events go to the daemon log.
	go func() {
		for event := range manager.Events().Subscribe(ctx) {
			log.Printf("event %s bot=%q %s", event.Type, event.Bot, event.Detail)
		}
	}()

	controlServer := server.New(settings.SyncListenAddr, manager)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- controlServer.ListenAndServe()
	}()

	if result, err := manager.Sync(ctx); err != nil {
		// The daemon stays up; a later /sync or config change retries.
		log.Printf("initial sync failed: %v", err)
	} else {
		log.Printf("initial sync: %d bots running", result.Running)
	}
	controlServer.SetReady()

	if err := manager.Watch(ctx); err != nil {
		log.Printf("config watching disabled: %v", err)
	}

	log.Printf("vibetune %s started, %d bots running", version.Get(), manager.RunningCount())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Printf("received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("control server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	controlServer.Shutdown(shutdownCtx)

	return nil
}

// controlRequest calls the local daemon's control server.
func controlRequest(method, path string) ([]byte, int, error) {
	addr := os.Getenv("SYNC_LISTEN_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	base := addr
	if strings.HasPrefix(base, ":") {
		base = "127.0.0.1" + base
	}

	req, err := http.NewRequest(method, "http://"+base+path, nil)
	if err != nil {
		return nil, 0, err
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// withSecretRegistry opens the database just long enough to touch the
// secret name registry.
func withSecretRegistry(fn func(context.Context, *credentials.Registry) error) error {
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return err
	}
	handle, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer handle.Close()

	if err := migration.NewRunner(handle.Write()).Run(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, credentials.NewRegistry(handle.Write()))
}

func writePIDFile() error {
	pidFile, err := config.GetPIDFile()
	if err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDFile() {
	if pidFile, err := config.GetPIDFile(); err == nil {
		os.Remove(pidFile)
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "write logs to the daemon log file instead of stderr")

	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd, secretListCmd)
	rootCmd.AddCommand(serveCmd, syncCmd, statusCmd, secretCmd, doctorCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
