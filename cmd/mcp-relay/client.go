// ABOUTME: Client commands that talk to a running relay
// ABOUTME: health uses the gRPC health service, servers and tools use the JSON API

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/mcp-relay/internal/auth"
	"github.com/2389/mcp-relay/internal/config"
	"github.com/2389/mcp-relay/internal/gateway"
	"github.com/2389/mcp-relay/internal/manager"
)

const clientTimeout = 10 * time.Second

// dialAddr turns a listen address into one a client can dial. Wildcard
// hosts become localhost.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func runHealth(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "server")
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is not configured; the health service is disabled")
	}

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	status, err := checkHealth(ctx, dialAddr(cfg.Server.GRPCAddr), flags["server"])
	if err != nil {
		return err
	}

	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", status)
	}
	color.Green("healthy")
	return nil
}

// checkHealth asks the gRPC health service about service. The empty name
// is the relay as a whole; remote servers are checked by name.
func checkHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("creating health client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// apiGet fetches path from the relay's JSON API and decodes the body into out.
func apiGet(ctx context.Context, baseURL, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// apiTarget resolves the base URL and bearer token for a client command.
// The token comes from --token, then MCP_RELAY_TOKEN.
func apiTarget(args []string) (baseURL, token string, err error) {
	flags, err := parseFlags(args, "token")
	if err != nil {
		return "", "", err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", "", fmt.Errorf("loading config: %w", err)
	}

	token = flags["token"]
	if token == "" {
		token = os.Getenv("MCP_RELAY_TOKEN")
	}
	return "http://" + dialAddr(cfg.Server.HTTPAddr), token, nil
}

func runServers(ctx context.Context, args []string) error {
	baseURL, token, err := apiTarget(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	var resp gateway.ServersResponse
	if err := apiGet(ctx, baseURL, token, "/api/servers", &resp); err != nil {
		return err
	}
	printServers(os.Stdout, resp.Servers)
	return nil
}

func printServers(w io.Writer, servers []manager.ServerStatus) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No remote servers configured.")
		return
	}

	bold := color.New(color.Bold)
	bold.Fprintf(w, "%-20s %-16s %-14s %6s  %s\n", "SERVER", "TRANSPORT", "STATE", "TOOLS", "LAST ERROR")
	for _, s := range servers {
		state := fmt.Sprintf("%-14s", s.State)
		switch {
		case s.Connected:
			state = color.GreenString(state)
		case s.LastError != "":
			state = color.RedString(state)
		default:
			state = color.YellowString(state)
		}
		fmt.Fprintf(w, "%-20s %-16s %s %6d  %s\n", s.Name, s.Transport, state, len(s.Tools), s.LastError)
	}
}

func runTools(ctx context.Context, args []string) error {
	baseURL, token, err := apiTarget(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	var resp gateway.ToolsResponse
	if err := apiGet(ctx, baseURL, token, "/api/tools", &resp); err != nil {
		return err
	}
	printTools(os.Stdout, resp)
	return nil
}

func printTools(w io.Writer, resp gateway.ToolsResponse) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(w, "Procedures (%d)\n", len(resp.Procedures))
	for _, name := range resp.Procedures {
		fmt.Fprintf(w, "  %s\n", name)
	}

	cyan.Fprintf(w, "Remote tools (%d)\n", len(resp.Tools))
	for _, t := range resp.Tools {
		fmt.Fprintf(w, "  %s", t.Name)
		gray.Fprintf(w, "  [%s]", t.Server)
		if t.Description != "" {
			fmt.Fprintf(w, "  %s", t.Description)
		}
		fmt.Fprintln(w)
	}
}

func runToken(args []string) error {
	token, err := generateToken(args)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// generateToken signs a token for --sub with the configured jwt_secret.
func generateToken(args []string) (string, error) {
	flags, err := parseFlags(args, "sub", "ttl", "roles")
	if err != nil {
		return "", err
	}

	sub := strings.TrimSpace(flags["sub"])
	if sub == "" {
		return "", fmt.Errorf("--sub flag is required")
	}

	ttl := 720 * time.Hour
	if raw := flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return "", fmt.Errorf("invalid --ttl: %w", err)
		}
		if ttl <= 0 {
			return "", fmt.Errorf("--ttl must be positive")
		}
	}

	var roles []string
	for _, r := range strings.Split(flags["roles"], ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(sub, ttl, roles...)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
