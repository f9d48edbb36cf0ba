// ABOUTME: Entry point for the relay-gateway messaging server
// ABOUTME: Subcommands to serve, bootstrap an organization, and probe a running instance

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/plan"
	"github.com/2389/relay-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _
  _ __ ___| | __ _ _   _
 | '__/ _ \ |/ _' | | | |
 | | |  __/ | (_| | |_| |
 |_|  \___|_|\__,_|\__, |
                   |___/
`

// agentTokenTTL is the lifetime of tokens printed by bootstrap.
const agentTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relay")
}

func usage() {
	fmt.Println("Usage: relay-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                           Start the relay server")
	fmt.Println("  bootstrap --org NAME --agent NAME [--plan free|paid] [--email ADDR]")
	fmt.Println("                                  Create an organization and its first agent")
	fmt.Println("  bootstrap --org-id ID --agent NAME [--email ADDR]")
	fmt.Println("                                  Add an agent to an existing organization")
	fmt.Println("  health                          Check gateway liveness")
	fmt.Println("  status                          Show instance id, broker mode, and live sessions")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is normal; the process environment still applies.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
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
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Fan-out:   ")
	if cfg.Redis.URL != "" {
		cyan.Print("redis")
	} else {
		yellow.Print("single instance")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Email:     %s\n", cfg.Notifications.Provider)
	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"notifications", cfg.Notifications.Provider,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func probe(ctx context.Context, path string) (*http.Response, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := probe(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	resp, err := probe(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// bootstrapArgs are the parsed flags of the bootstrap command.
type bootstrapArgs struct {
	OrgName   string
	OrgID     string
	AgentName string
	Email     string
	Plan      string
}

// parseBootstrapArgs supports both "--flag value" and "--flag=value".
func parseBootstrapArgs(args []string) (bootstrapArgs, error) {
	var out bootstrapArgs
	fields := map[string]*string{
		"--org":    &out.OrgName,
		"--org-id": &out.OrgID,
		"--agent":  &out.AgentName,
		"--email":  &out.Email,
		"--plan":   &out.Plan,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		dst, ok := fields[name]
		if !ok {
			if strings.HasPrefix(arg, "-") {
				return out, fmt.Errorf("unknown flag: %s", name)
			}
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		*dst = strings.TrimSpace(value)
	}

	if out.AgentName == "" {
		return out, fmt.Errorf("--agent flag is required")
	}
	if len(out.AgentName) > 100 {
		return out, fmt.Errorf("agent name exceeds maximum length of 100 characters")
	}
	if (out.OrgName == "") == (out.OrgID == "") {
		return out, fmt.Errorf("exactly one of --org or --org-id is required")
	}
	if out.OrgID != "" && out.Plan != "" {
		return out, fmt.Errorf("--plan only applies when creating an organization")
	}
	if out.Plan == "" {
		out.Plan = plan.Free
	}
	if out.Plan != plan.Free && out.Plan != plan.Paid {
		return out, fmt.Errorf("unknown plan %q (free, paid)", out.Plan)
	}
	return out, nil
}

// writeDefaultConfig creates a config file with a random JWT secret.
func writeDefaultConfig(configPath, dbPath string) error {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := fmt.Sprintf(`# relay-gateway configuration
# Generated by relay-gateway bootstrap

server:
  http_addr: "localhost:8080"
  allowed_origins: []

database:
  path: "%s"

redis:
  url: "${REDIS_URL}"

delivery:
  notify_timeout: "10s"

notifications:
  provider: "none"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// runBootstrap creates an organization (or reuses one) and an agent, then
// prints an access token for agent:connect.
func runBootstrap(ctx context.Context, argv []string) error {
	args, err := parseBootstrapArgs(argv)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "gateway.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := writeDefaultConfig(configPath, dbPath); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (required for bootstrap)", configPath)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	org, err := bootstrapOrg(ctx, s, args)
	if err != nil {
		return err
	}

	agent := &store.Agent{
		ID:    uuid.New().String(),
		OrgID: org.ID,
		Name:  args.AgentName,
		Email: args.Email,
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	green.Printf("  ✓ Created agent: %s\n", agent.Name)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(agent.ID, org.ID, agentTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	expiresAt := time.Now().Add(agentTokenTTL).UTC()

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Organization")
	cyan.Println("  ------------")
	fmt.Printf("  ID:    %s\n", org.ID)
	fmt.Printf("  Name:  %s\n", org.Name)
	fmt.Printf("  Plan:  %s\n", org.Plan)
	fmt.Println()
	cyan.Println("  Agent")
	cyan.Println("  -----")
	fmt.Printf("  ID:    %s\n", agent.ID)
	fmt.Printf("  Name:  %s\n", agent.Name)
	fmt.Printf("  Token: %s\n", token)
	fmt.Printf("         (expires %s)\n", expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    relay-gateway serve    # start the relay")
	fmt.Printf("    relay-widget           # with org_id = %q\n", org.ID)
	fmt.Println()

	return nil
}

// bootstrapOrg creates the organization named in args, or loads the existing
// one and checks its plan allows another agent.
func bootstrapOrg(ctx context.Context, s store.Store, args bootstrapArgs) (*store.Organization, error) {
	if args.OrgID == "" {
		org := &store.Organization{
			ID:   uuid.New().String(),
			Name: args.OrgName,
			Plan: args.Plan,
		}
		if err := s.CreateOrganization(ctx, org); err != nil {
			return nil, fmt.Errorf("creating organization: %w", err)
		}
		color.New(color.FgGreen).Printf("  ✓ Created organization: %s\n", org.Name)
		return org, nil
	}

	org, err := s.GetOrganization(ctx, args.OrgID)
	if err != nil {
		return nil, fmt.Errorf("loading organization %s: %w", args.OrgID, err)
	}
	if err := plan.NewChecker(s).CheckAgentLimit(ctx, org.ID); err != nil {
		return nil, fmt.Errorf("adding agent to %s: %w", org.Name, err)
	}
	return org, nil
}
