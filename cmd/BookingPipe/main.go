package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/BookingPipe/internal/lockfile"
	"github.com/BTreeMap/BookingPipe/internal/scheduler"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BookingPipe state data
	DefaultStateDir = "/var/lib/bookingpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "bookingpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config, os.Args[1:])

	lock, err := lockfile.Acquire(flags.StateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping BookingPipe", "state_dir", flags.StateDir, "api_addr", flags.APIAddr, "classifier", flags.Classifier, "whatsapp", flags.WhatsAppEnabled)
	if err := run(ctx, flags); err != nil {
		slog.Error("BookingPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("BookingPipe exited successfully")
}

// Config holds every setting, from the environment and then from flags.
type Config struct {
	StateDir        string
	DatabaseURL     string
	InMemory        bool
	APIAddr         string
	AdminPassword   string
	ChatRate        float64
	OpenAIKey       string
	OpenAIModel     string
	OpenAIBaseURL   string
	Classifier      string
	BusinessOpen    string
	BusinessClose   string
	BusinessTZ      string
	SMTPHost        string
	SMTPPort        string
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	SearchAPIKey    string
	SearchCX        string
	WhatsAppEnabled bool
	WhatsAppDSN     string
	QROutput        string
	NumericCode     bool
	PublicURL       string
	SessionTTL      time.Duration
	SweepSchedule   string
}

// initializeLogger sets up structured logging. Level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelDebug
}

// loadEnvironmentConfig loads configuration from .env and the environment.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        util.GetEnv("BOOKINGPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		APIAddr:         util.GetEnv("API_ADDR", ":8080"),
		AdminPassword:   os.Getenv("ADMIN_PASSWORD"),
		ChatRate:        util.ParseFloatEnv("CHAT_RATE_LIMIT", 5),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		Classifier:      util.GetEnv("INTENT_CLASSIFIER", "heuristic"),
		BusinessOpen:    os.Getenv("BUSINESS_OPEN"),
		BusinessClose:   os.Getenv("BUSINESS_CLOSE"),
		BusinessTZ:      os.Getenv("BUSINESS_TIMEZONE"),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        os.Getenv("SMTP_PORT"),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:        os.Getenv("SMTP_FROM"),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_FROM_NUMBER"),
		SearchAPIKey:    os.Getenv("GOOGLE_SEARCH_API_KEY"),
		SearchCX:        os.Getenv("GOOGLE_SEARCH_CX"),
		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		PublicURL:       os.Getenv("PUBLIC_URL"),
		SessionTTL:      util.ParseDurationEnv("SESSION_TTL", scheduler.DefaultSessionTTL),
		SweepSchedule:   util.GetEnv("SESSION_SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
	}

	slog.Debug("environment variables loaded",
		"BOOKINGPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"ADMIN_PASSWORD_SET", config.AdminPassword != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"INTENT_CLASSIFIER", config.Classifier,
		"SMTP_USERNAME_SET", config.SMTPUsername != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"GOOGLE_SEARCH_API_KEY_SET", config.SearchAPIKey != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"SESSION_TTL", config.SessionTTL,
		"SESSION_SWEEP_SCHEDULE", config.SweepSchedule)
	return config
}

// parseCommandLineFlags overrides config with command line flags and fills
// the state directory defaults.
func parseCommandLineFlags(config Config, args []string) Config {
	fs := flag.NewFlagSet("BookingPipe", flag.ExitOnError)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for BookingPipe data (overrides $BOOKINGPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "booking database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)")
	fs.BoolVar(&config.InMemory, "in-memory", config.InMemory, "keep bookings and sessions in memory only")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.Float64Var(&config.ChatRate, "chat-rate", config.ChatRate, "POST /chat requests per second per client IP, 0 disables (overrides $CHAT_RATE_LIMIT)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.OpenAIModel, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&config.Classifier, "intent-classifier", config.Classifier, "intent classifier: heuristic or llm (overrides $INTENT_CLASSIFIER)")
	fs.StringVar(&config.BusinessOpen, "business-open", config.BusinessOpen, "opening time, e.g. 09:00 (overrides $BUSINESS_OPEN)")
	fs.StringVar(&config.BusinessClose, "business-close", config.BusinessClose, "closing time, e.g. 18:00 (overrides $BUSINESS_CLOSE)")
	fs.StringVar(&config.BusinessTZ, "business-timezone", config.BusinessTZ, "IANA time zone for booking dates (overrides $BUSINESS_TIMEZONE)")
	fs.BoolVar(&config.WhatsAppEnabled, "whatsapp", config.WhatsAppEnabled, "answer WhatsApp messages (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write the WhatsApp login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print the WhatsApp pairing code instead of a QR code")
	fs.StringVar(&config.PublicURL, "public-url", config.PublicURL, "externally visible base URL used to verify Twilio webhooks (overrides $PUBLIC_URL)")
	fs.DurationVar(&config.SessionTTL, "session-ttl", config.SessionTTL, "delete sessions idle for longer than this (overrides $SESSION_TTL)")
	fs.StringVar(&config.SweepSchedule, "session-sweep-schedule", config.SweepSchedule, "cron schedule for the idle session sweep (overrides $SESSION_SWEEP_SCHEDULE)")
	fs.Parse(args)

	if config.DatabaseURL == "" && !config.InMemory {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		if config.DatabaseURL != "" && store.DetectDSNType(config.DatabaseURL) == store.DSNTypePostgres {
			config.WhatsAppDSN = config.DatabaseURL
		} else {
			config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseURL != "",
		"inMemory", config.InMemory,
		"apiAddr", config.APIAddr,
		"classifier", config.Classifier,
		"whatsapp", config.WhatsAppEnabled)
	return config
}
