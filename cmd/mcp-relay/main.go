// ABOUTME: Entry point for the mcp-relay gateway
// ABOUTME: Serves the MCP endpoint and offers small client commands against a running relay

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                     _
  _ __ ___   ___ _ __    _ __ ___| | __ _ _   _
 | '_ ' _ \ / __| '_ \  | '__/ _ \ |/ _' | | | |
 | | | | | | (__| |_) | | | |  __/ | (_| | |_| |
 |_| |_| |_|\___| .__/  |_|  \___|_|\__,_|\__, |
                |_|                       |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: MCP_RELAY_CONFIG env var > XDG_CONFIG_HOME/mcp-relay/relay.yaml > ~/.config/mcp-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_RELAY_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "mcp-relay", "relay.yaml")
}

func usage() {
	fmt.Println("Usage: mcp-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the relay")
	fmt.Println("  health [--server NAME]         Query the gRPC health service")
	fmt.Println("  servers [--token TOKEN]        List remote servers and their state")
	fmt.Println("  tools [--token TOKEN]          List procedures and remote tools")
	fmt.Println("  token --sub NAME [--ttl 720h] [--roles admin]")
	fmt.Println("                                 Sign a bearer token with the configured secret")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx, args)
	case "servers":
		err = runServers(ctx, args)
	case "tools":
		err = runTools(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.Gateway.Path)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Servers:   %d configured\n", len(cfg.Servers))
	if cfg.Database.Path == "" {
		green.Print("    ▶ ")
		fmt.Print("Journal:   ")
		yellow.Println("disabled")
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Journal:   %s\n", cfg.Database.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting mcp-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"servers", len(cfg.Servers),
	)

	gw, err := gateway.New(cfg, logger,
		gateway.WithConfigPath(configPath),
		gateway.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// parseFlags reads "--name value" and "--name=value" pairs. Only names in
// allowed are accepted.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = value
	}
	return values, nil
}
