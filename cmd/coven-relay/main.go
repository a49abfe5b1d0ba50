// ABOUTME: Entry point for the coven-relay direct message server
// ABOUTME: Subcommands to serve, write a config, and query a running relay

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// version is set with -ldflags at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: --config flag > COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-relay <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the relay server")
	fmt.Println("  init       Create a new config file interactively")
	fmt.Println("  health     Check relay health")
	fmt.Println("  online     List connected users")
	fmt.Println("  version    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches one subcommand.
func run(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet("coven-relay "+command, flag.ContinueOnError)
	configFlag := fs.StringP("config", "c", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	configPath := getConfigPath(*configFlag)

	switch command {
	case "serve":
		return runServe(ctx, configPath, *configFlag != "")
	case "init":
		return runInit(os.Stdin, configPath)
	case "health":
		return runHealth(ctx, configPath, *configFlag != "")
	case "online":
		return runOnline(ctx, configPath, *configFlag != "")
	case "version":
		fmt.Printf("coven-relay %s\n", version)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadConfig reads the config file. A missing file that was not asked for
// explicitly yields the defaults.
func loadConfig(configPath string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), false, nil
	}
	return nil, false, fmt.Errorf("loading config: %w", err)
}

func runServe(ctx context.Context, configPath string, explicit bool) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, fromFile, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Printf("Config:    defaults (%s not found)\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s ", cfg.Database.Backend)
	gray.Println(cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Database.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, configPath string, explicit bool) error {
	cfg, _, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	body, err := fetch(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runOnline(ctx context.Context, configPath string, explicit bool) error {
	cfg, _, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	body, err := fetch(ctx, fmt.Sprintf("http://%s/api/online", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("listing online users: %w", err)
	}

	var online gateway.OnlineResponse
	if err := json.Unmarshal(body, &online); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	color.New(color.FgCyan).Printf("%d online\n", online.Count)
	for _, user := range online.Users {
		color.New(color.FgGreen).Print("  ● ")
		fmt.Println(user)
	}
	return nil
}

// fetch performs a GET and returns the body of a 200 response.
func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return body, nil
}

func runInit(in io.Reader, defaultConfigPath string) error {
	reader := bufio.NewReader(in)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	cfg := config.Default()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Storage Configuration ---")
	cfg.Database.Backend = prompt(reader, "Backend (file/sqlite/badger)", cfg.Database.Backend)
	defaultPath := filepath.Join(getDataPath(), "relay-messages.jsonl")
	switch cfg.Database.Backend {
	case "sqlite":
		defaultPath = filepath.Join(getDataPath(), "relay.db")
		cfg.Database.Driver = prompt(reader, "SQLite driver (sqlite/sqlite3)", cfg.Database.Driver)
	case "badger":
		defaultPath = filepath.Join(getDataPath(), "relay-badger")
	}
	cfg.Database.Path = prompt(reader, "Storage path", defaultPath)

	fmt.Println("\n--- Relay Configuration ---")
	if n, err := strconv.Atoi(prompt(reader, "History limit", strconv.Itoa(cfg.Relay.HistoryLimit))); err == nil {
		cfg.Relay.HistoryLimit = n
	}
	cfg.Relay.CloseSuperseded = yes(prompt(reader, "Close a user's old connection when they reconnect?", "no"))
	cfg.Relay.RosterOnConnect = yes(prompt(reader, "Send the online roster to new connections?", "no"))

	fmt.Println("\n--- Tailscale Configuration ---")
	if yes(prompt(reader, "Enable Tailscale?", "no")) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = prompt(reader, "Tailscale hostname", "coven-relay")
		cfg.Tailscale.AuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.Ephemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.Write(outputFile, cfg); err != nil {
		return err
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the relay:")
	fmt.Printf("  coven-relay serve --config %s\n", outputFile)

	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
