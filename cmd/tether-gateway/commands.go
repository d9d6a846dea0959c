// ABOUTME: Administrative subcommands: config init, tenant management, tokens, health
// ABOUTME: Tenant and token commands work directly against the configured store

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/store"
)

// defaultTokenTTL is the lifetime of tokens printed by tenant create.
const defaultTokenTTL = 30 * 24 * time.Hour

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// openStore loads the config and opens its record store.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func runTenant(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("tenant requires a subcommand: create or list")
	}
	switch args[0] {
	case "create":
		return runTenantCreate(ctx, args[1:])
	case "list":
		return runTenantList(ctx)
	default:
		return fmt.Errorf("unknown tenant subcommand: %s", args[0])
	}
}

func runTenantCreate(ctx context.Context, args []string) error {
	fs := newFlagSet("tenant create")
	name := fs.String("name", "", "tenant display name (required)")
	webhookURL := fs.String("webhook", "", "webhook url")
	secret := fs.String("secret", "", "webhook signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}

	displayName := strings.TrimSpace(*name)
	if displayName == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(displayName) > 100 {
		return fmt.Errorf("tenant name exceeds maximum length of 100 characters")
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	tenant := &store.Tenant{
		ID:            uuid.New().String(),
		Name:          displayName,
		WebhookURL:    strings.TrimSpace(*webhookURL),
		WebhookSecret: *secret,
	}
	if err := s.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}

	token, err := issueToken(cfg, tenant.ID, defaultTokenTTL)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Printf("  ✓ Created tenant: %s\n", displayName)
	fmt.Println()
	cyan.Println("  Tenant")
	cyan.Println("  ------")
	fmt.Printf("  ID:      %s\n", tenant.ID)
	fmt.Printf("  Name:    %s\n", tenant.Name)
	if tenant.WebhookURL != "" {
		fmt.Printf("  Webhook: %s\n", tenant.WebhookURL)
	}
	fmt.Printf("  Expires: %s\n", time.Now().Add(defaultTokenTTL).UTC().Format("Jan 02, 2006"))
	fmt.Printf("  Token:   %s\n", token)
	return nil
}

func runTenantList(ctx context.Context) error {
	_, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	if len(tenants) == 0 {
		fmt.Println("no tenants")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tWEBHOOK\tCREATED")
	for _, t := range tenants {
		hook := t.WebhookURL
		if hook == "" {
			hook = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, hook, t.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runToken(ctx context.Context, args []string) error {
	fs := newFlagSet("token")
	tenantID := fs.String("tenant", "", "tenant id (required)")
	expires := fs.Duration("expires", defaultTokenTTL, "token lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" {
		return fmt.Errorf("--tenant flag is required")
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.GetTenant(ctx, *tenantID); err != nil {
		return fmt.Errorf("loading tenant %s: %w", *tenantID, err)
	}

	token, err := issueToken(cfg, *tenantID, *expires)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func issueToken(cfg *config.Config, tenantID string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(tenantID, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tether-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "gateway.db"))
	credsPath := prompt(reader, "WhatsApp credentials path", filepath.Join(defaultDataPath, "credentials.db"))
	deadLetters := prompt(reader, "Webhook dead-letter path (empty to disable)", filepath.Join(defaultDataPath, "dead-letters.db"))

	fmt.Println("\n--- Delivery ---")
	perMinute := prompt(reader, "Messages per minute per session", "20")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "tether-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")
	logFile := prompt(reader, "Rotated log file (empty to disable)", "")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# tether-gateway configuration\n")
	cfg.WriteString("# Generated by tether-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n\n", grpcAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString(fmt.Sprintf("  credentials_path: %q\n\n", credsPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))

	cfg.WriteString("driver:\n")
	cfg.WriteString("  kind: \"whatsapp\"\n\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  reconnect_base: \"1s\"\n")
	cfg.WriteString("  reconnect_cap: \"30s\"\n")
	cfg.WriteString("  max_reconnect_attempts: 5\n\n")

	cfg.WriteString("delivery:\n")
	cfg.WriteString("  poll_interval: \"10s\"\n")
	cfg.WriteString(fmt.Sprintf("  messages_per_minute: %s\n", perMinute))
	cfg.WriteString("  max_retries: 3\n")
	cfg.WriteString("  send_timeout: \"30s\"\n\n")

	cfg.WriteString("webhooks:\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("  delays: [\"0s\", \"5s\", \"30s\", \"5m\"]\n")
	cfg.WriteString("  timeout: \"10s\"\n")
	cfg.WriteString(fmt.Sprintf("  dead_letter_path: %q\n\n", deadLetters))

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString(fmt.Sprintf("  file: %q\n", logFile))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the JWT secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  tether-gateway tenant create --name \"Acme\"")
	fmt.Println("  tether-gateway serve")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
