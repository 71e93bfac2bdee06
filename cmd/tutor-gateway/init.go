// ABOUTME: Interactive config file generation for tutor-gateway init
// ABOUTME: Secrets default to ${VAR} references so they can live in .env instead of the file

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fynq/tutor-gateway/internal/config"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr  string
	DBPath    string
	JWTSecret string
	APIKey    string
	Model     string

	Bucket        string
	Endpoint      string
	Region        string
	PublicBaseURL string

	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	TSEphemeral      bool
	TSFunnel         bool

	LogLevel  string
	LogFormat string
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "tutor-gateway configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	defaultDBPath := filepath.Join(getDataPath(), "tutor.db")

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", config.DefaultHTTPAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.DBPath = prompt(reader, out, "SQLite database path", defaultDBPath)

	fmt.Fprintln(out, "\n--- Credentials ---")
	a.JWTSecret = prompt(reader, out, "Identity provider JWT secret", "${SUPABASE_JWT_SECRET}")
	a.APIKey = prompt(reader, out, "Gemini API key", "${GEMINI_API_KEY}")
	a.Model = prompt(reader, out, "Gemini model", config.DefaultModel)

	fmt.Fprintln(out, "\n--- File Uploads (S3-compatible storage) ---")
	a.Bucket = prompt(reader, out, "Bucket (leave empty to disable uploads)", "")
	if a.Bucket != "" {
		a.Endpoint = prompt(reader, out, "S3 endpoint", "")
		a.Region = prompt(reader, out, "Region", "us-east-1")
		a.PublicBaseURL = prompt(reader, out, "Public base URL", "")
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "tutor-gateway")
		a.TSAuthKey = prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
		a.TSFunnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Secrets may be written inline, so keep the file private.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  tutor-gateway serve")

	return nil
}

// renderConfig produces the YAML config file for a.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# tutor-gateway configuration\n")
	cfg.WriteString("# Generated by tutor-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.JWTSecret)
	fmt.Fprintf(&cfg, "  audience: %q\n", config.DefaultAudience)
	cfg.WriteString("\n")

	cfg.WriteString("generation:\n")
	fmt.Fprintf(&cfg, "  api_key: %q\n", a.APIKey)
	fmt.Fprintf(&cfg, "  model: %q\n", a.Model)
	cfg.WriteString("  timeout: \"60s\"\n")
	cfg.WriteString("\n")

	if a.Bucket != "" {
		cfg.WriteString("storage:\n")
		fmt.Fprintf(&cfg, "  endpoint: %q\n", a.Endpoint)
		fmt.Fprintf(&cfg, "  region: %q\n", a.Region)
		cfg.WriteString("  access_key_id: \"${STORAGE_ACCESS_KEY_ID}\"\n")
		cfg.WriteString("  secret_access_key: \"${STORAGE_SECRET_ACCESS_KEY}\"\n")
		fmt.Fprintf(&cfg, "  bucket: %q\n", a.Bucket)
		fmt.Fprintf(&cfg, "  public_base_url: %q\n", a.PublicBaseURL)
		cfg.WriteString("\n")

		cfg.WriteString("uploads:\n")
		fmt.Fprintf(&cfg, "  rate_limit: %d\n", config.DefaultUploadRateLimit)
		fmt.Fprintf(&cfg, "  rate_window: %q\n", config.DefaultUploadRateWindow.String())
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TSFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("cors:\n")
	cfg.WriteString("  allowed_origins:\n")
	for _, o := range config.DefaultAllowedOrigins {
		fmt.Fprintf(&cfg, "    - %q\n", o)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)

	return cfg.String()
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
