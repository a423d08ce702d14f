package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/api"
	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/lockfile"
	"github.com/BTreeMap/TriagePipe/internal/messaging"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/triage"
	"github.com/BTreeMap/TriagePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TriagePipe/internal/util"
	"github.com/BTreeMap/TriagePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TriagePipe state data
	DefaultStateDir = "/var/lib/triagepipe"
	// DefaultLeadDBFileName is the default SQLite lead database filename
	DefaultLeadDBFileName = "triagepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	setLogLevel(*flags.logLevel)

	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(config)
	storeOpts := buildStoreOptions(flags, config)
	genaiOpts := buildGenAIOptions(flags, config)
	apiOpts, err := buildAPIOptions(flags, config)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping TriagePipe with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("TriagePipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TriagePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	LeadDBDSN        string
	WhatsAppDBDSN    string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SessionTTL       time.Duration
	APIAddr          string
	Provider         string
	Mode             string
	Timezone         string
	EscalationDelay  time.Duration
	EscalationPolicy string
	MessagesFile     string
	OpenAIKey        string
	OpenAIModel      string
	VerifyToken      string
	AppSecret        string
	AccessToken      string
	PhoneNumberID    string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	leadDBDSN        *string
	whatsappDBDSN    *string
	redisAddr        *string
	openaiKey        *string
	apiAddr          *string
	provider         *string
	mode             *string
	escalationPolicy *string
	escalationDelay  *time.Duration
	messagesFile     *string
	logLevel         *string
}

// initializeLogger sets up structured logging; the level starts at debug until the
// configured level is known.
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// setLogLevel applies LOG_LEVEL (debug, info, warn, error). Unknown values are ignored.
func setLogLevel(level string) {
	if level == "" {
		return
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		slog.Warn("Unknown log level, ignoring", "log_level", level)
		return
	}
	logLevel.Set(l)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.GetEnv("TRIAGE_STATE_DIR", DefaultStateDir),
		LeadDBDSN:        os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		SessionTTL:       util.ParseDurationEnv("SESSION_TTL", store.DefaultSessionTTL),
		APIAddr:          os.Getenv("API_ADDR"),
		Provider:         util.GetEnv("MESSAGING_PROVIDER", api.ProviderCloud),
		Mode:             util.GetEnv("TRIAGE_MODE", api.ModeScript),
		Timezone:         util.GetEnv("TRIAGE_TIMEZONE", triage.DefaultTimezone),
		EscalationDelay:  util.ParseDurationEnv("ESCALATION_DELAY", triage.DefaultEscalationDelay),
		EscalationPolicy: util.GetEnv("ESCALATION_ON_NEW_MESSAGE", string(flow.PolicyKeep)),
		MessagesFile:     os.Getenv("MESSAGES_FILE"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		VerifyToken:      os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		AppSecret:        os.Getenv("WHATSAPP_APP_SECRET"),
		AccessToken:      os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		PhoneNumberID:    os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	// PORT is what most hosting platforms inject.
	if config.APIAddr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			config.APIAddr = ":" + port
			slog.Debug("Using PORT for API address", "api_addr", config.APIAddr)
		}
	}

	// Without a database URL, leads go to SQLite in the state directory.
	if config.LeadDBDSN == "" {
		config.LeadDBDSN = filepath.Join(config.StateDir, DefaultLeadDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.LeadDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}

	slog.Debug("environment variables loaded",
		"TRIAGE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"REDIS_ADDR", config.RedisAddr,
		"SESSION_TTL", config.SessionTTL,
		"API_ADDR", config.APIAddr,
		"MESSAGING_PROVIDER", config.Provider,
		"TRIAGE_MODE", config.Mode,
		"TRIAGE_TIMEZONE", config.Timezone,
		"ESCALATION_DELAY", config.EscalationDelay,
		"ESCALATION_ON_NEW_MESSAGE", config.EscalationPolicy,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"WHATSAPP_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"WHATSAPP_APP_SECRET_SET", config.AppSecret != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "")

	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:         fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:          fs.Bool("numeric-code", false, "print the whatsmeow pairing code instead of a QR code"),
		stateDir:         fs.String("state-dir", config.StateDir, "state directory (overrides $TRIAGE_STATE_DIR)"),
		leadDBDSN:        fs.String("db-dsn", config.LeadDBDSN, "lead database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)"),
		whatsappDBDSN:    fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		redisAddr:        fs.String("redis-addr", config.RedisAddr, "Redis address for sessions; empty keeps them in memory (overrides $REDIS_ADDR)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		provider:         fs.String("provider", config.Provider, "messaging provider: cloud, twilio or whatsmeow (overrides $MESSAGING_PROVIDER)"),
		mode:             fs.String("mode", config.Mode, "triage mode: script or assistant (overrides $TRIAGE_MODE)"),
		escalationPolicy: fs.String("escalation-policy", config.EscalationPolicy, "pending follow-up on a new message: keep or cancel (overrides $ESCALATION_ON_NEW_MESSAGE)"),
		escalationDelay:  fs.Duration("escalation-delay", config.EscalationDelay, "delay before the follow-up message (overrides $ESCALATION_DELAY)"),
		messagesFile:     fs.String("messages-file", config.MessagesFile, "YAML file overriding the message catalog (overrides $MESSAGES_FILE)"),
		logLevel:         fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"leadDBDSN_set", *flags.leadDBDSN != "",
		"redisAddr", *flags.redisAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"provider", *flags.provider,
		"mode", *flags.mode,
		"escalationPolicy", *flags.escalationPolicy,
		"escalationDelay", *flags.escalationDelay)

	// Database paths that were derived from the state directory follow a changed -state-dir.
	if *flags.stateDir != config.StateDir {
		if *flags.leadDBDSN == filepath.Join(config.StateDir, DefaultLeadDBFileName) {
			*flags.leadDBDSN = filepath.Join(*flags.stateDir, DefaultLeadDBFileName)
		}
		if *flags.whatsappDBDSN == filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) {
			*flags.whatsappDBDSN = filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName)
		}
		slog.Debug("Updated database paths based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates parent directories for file-based databases
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.leadDBDSN, *flags.whatsappDBDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

// buildStoreOptions constructs session and lead store options
func buildStoreOptions(flags Flags, config Config) []store.Option {
	var storeOpts []store.Option
	if dsn := *flags.leadDBDSN; dsn != "" {
		if store.DetectDSNType(dsn) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL lead store", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(dsn))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite lead store", "db_path", dsn)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(dsn))
		}
	}
	if *flags.redisAddr != "" {
		storeOpts = append(storeOpts, store.WithRedis(*flags.redisAddr, config.RedisPassword, config.RedisDB))
	} else {
		slog.Debug("No Redis address provided, sessions are kept in memory")
	}
	storeOpts = append(storeOpts, store.WithSessionTTL(config.SessionTTL))
	return storeOpts
}

// buildGenAIOptions constructs reply generator options
func buildGenAIOptions(flags Flags, config Config) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server options
func buildAPIOptions(flags Flags, config Config) ([]api.Option, error) {
	policy, err := flow.ParseEscalationPolicy(*flags.escalationPolicy)
	if err != nil {
		return nil, err
	}
	apiOpts := []api.Option{
		api.WithProvider(*flags.provider),
		api.WithMode(*flags.mode),
		api.WithEscalationPolicy(policy),
		api.WithEscalationDelay(*flags.escalationDelay),
		api.WithTimezone(config.Timezone),
		api.WithCloudOptions(
			messaging.WithAccessToken(config.AccessToken),
			messaging.WithPhoneNumberID(config.PhoneNumberID),
			messaging.WithVerifyToken(config.VerifyToken),
			messaging.WithAppSecret(config.AppSecret),
		),
		api.WithTwilioWebhook(config.TwilioAuthToken, config.TwilioWebhookURL),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.messagesFile != "" {
		apiOpts = append(apiOpts, api.WithMessagesFile(*flags.messagesFile))
	}
	return apiOpts, nil
}
