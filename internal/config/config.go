package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the corestat server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	EnableCore     bool // mount CDR/statistics routes
	EnableCalendar bool // run the calendar sync engine and scheduler
	AsyncCDR       bool // queue CDR handling instead of inline processing

	StatsPhoneDomains string // comma-separated SIP domains classified as phone gateways
	TrustedIPs        string // comma-separated CIDRs allowed to set X-Forwarded-For
	ExtendedAPIKeys   string // comma-separated shared secrets for trusted admin callers

	EmailToken              string // X-Mividas-Token expected by the booking ingress
	EmailRequireExtendedKey bool   // booking ingress additionally requires an extended key

	KeepExternalParticipants bool // keep outgoing Lync/Teams/GMS legs in stats

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPStartTLS bool
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8006
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultSMTPPort  = 25
)

// envPrefix is the prefix for all corestat environment variables.
const envPrefix = "CORESTAT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("corestat", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.BoolVar(&cfg.EnableCore, "enable-core", true, "mount the CDR and statistics routes")
	fs.BoolVar(&cfg.EnableCalendar, "enable-calendar", true, "run the calendar sync engine")
	fs.BoolVar(&cfg.AsyncCDR, "async-cdr", true, "process CDR batches on the worker queues instead of inline")
	fs.StringVar(&cfg.StatsPhoneDomains, "stats-phone-domains", "", "comma-separated SIP domains classified as phone gateways")
	fs.StringVar(&cfg.TrustedIPs, "trusted-ips", "", "comma-separated CIDRs allowed to set X-Forwarded-For")
	fs.StringVar(&cfg.ExtendedAPIKeys, "extended-api-keys", "", "comma-separated shared secrets for trusted admin callers")
	fs.StringVar(&cfg.EmailToken, "email-token", "", "token expected in X-Mividas-Token on the booking ingress")
	fs.BoolVar(&cfg.EmailRequireExtendedKey, "email-require-extended-key", false, "booking ingress also requires an extended API key")
	fs.BoolVar(&cfg.KeepExternalParticipants, "keep-external-participants", false, "count outgoing Lync/Teams/GMS legs in statistics")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for booking confirmations (disabled if empty)")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for booking confirmations")
	fs.BoolVar(&cfg.SMTPStartTLS, "smtp-starttls", true, "use STARTTLS when talking to the SMTP server")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":                   envPrefix + "DATA_DIR",
		"http-port":                  envPrefix + "HTTP_PORT",
		"log-level":                  envPrefix + "LOG_LEVEL",
		"log-format":                 envPrefix + "LOG_FORMAT",
		"enable-core":                envPrefix + "ENABLE_CORE",
		"enable-calendar":            envPrefix + "ENABLE_CALENDAR",
		"async-cdr":                  envPrefix + "ASYNC_CDR_HANDLING",
		"stats-phone-domains":        envPrefix + "STATS_PHONE_DOMAINS",
		"trusted-ips":                envPrefix + "TRUSTED_IPS",
		"extended-api-keys":          envPrefix + "EXTENDED_API_KEYS",
		"email-token":                envPrefix + "EMAIL_TOKEN",
		"email-require-extended-key": envPrefix + "EMAIL_REQUIRE_EXTENDED_KEY",
		"keep-external-participants": envPrefix + "KEEP_EXTERNAL_PARTICIPANTS",
		"smtp-host":                  envPrefix + "SMTP_HOST",
		"smtp-port":                  envPrefix + "SMTP_PORT",
		"smtp-username":              envPrefix + "SMTP_USERNAME",
		"smtp-password":              envPrefix + "SMTP_PASSWORD",
		"smtp-from":                  envPrefix + "SMTP_FROM",
		"smtp-starttls":              envPrefix + "SMTP_STARTTLS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			// Deployments with a single shared secret set the singular form.
			if flagName != "extended-api-keys" {
				continue
			}
			val, ok = os.LookupEnv(envPrefix + "EXTENDED_API_KEY")
			if !ok || val == "" {
				continue
			}
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "enable-core":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EnableCore = v
			}
		case "enable-calendar":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EnableCalendar = v
			}
		case "async-cdr":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AsyncCDR = v
			}
		case "stats-phone-domains":
			cfg.StatsPhoneDomains = val
		case "trusted-ips":
			cfg.TrustedIPs = val
		case "extended-api-keys":
			cfg.ExtendedAPIKeys = val
		case "email-token":
			cfg.EmailToken = val
		case "email-require-extended-key":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EmailRequireExtendedKey = v
			}
		case "keep-external-participants":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.KeepExternalParticipants = v
			}
		case "smtp-host":
			cfg.SMTPHost = val
		case "smtp-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SMTPPort = v
			}
		case "smtp-username":
			cfg.SMTPUsername = val
		case "smtp-password":
			cfg.SMTPPassword = val
		case "smtp-from":
			cfg.SMTPFrom = val
		case "smtp-starttls":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.SMTPStartTLS = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.SMTPHost != "" {
		if c.SMTPPort < 1 || c.SMTPPort > 65535 {
			return fmt.Errorf("smtp-port must be between 1 and 65535, got %d", c.SMTPPort)
		}
		if c.SMTPFrom == "" {
			return fmt.Errorf("smtp-from is required when smtp-host is set")
		}
	}
	if _, err := c.TrustedNets(); err != nil {
		return err
	}
	return nil
}

// PhoneDomains returns the phone gateway domain set.
func (c *Config) PhoneDomains() map[string]bool {
	out := make(map[string]bool)
	for _, d := range strings.Split(c.StatsPhoneDomains, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out[d] = true
		}
	}
	return out
}

// ExtendedKeys returns the extended API key set.
func (c *Config) ExtendedKeys() map[string]bool {
	out := make(map[string]bool)
	for _, k := range strings.Split(c.ExtendedAPIKeys, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			out[k] = true
		}
	}
	return out
}

// TrustedNets parses the trusted proxy CIDR list.
func (c *Config) TrustedNets() ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, cidr := range strings.Split(c.TrustedIPs, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		// Bare addresses are treated as host CIDRs.
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("trusted-ips entry %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
