package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/BookingPipe/internal/api"
	"github.com/BTreeMap/BookingPipe/internal/docindex"
	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/notify"
	"github.com/BTreeMap/BookingPipe/internal/scheduler"
	"github.com/BTreeMap/BookingPipe/internal/search"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/BookingPipe/internal/whatsapp"
)

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, cfg Config) error {
	st, err := store.New(buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	validator, err := buildValidator(cfg)
	if err != nil {
		return err
	}

	var gaClient *genai.Client
	if cfg.OpenAIKey != "" {
		gaClient, err = genai.NewClient(buildGenAIOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to create OpenAI client: %w", err)
		}
	} else {
		slog.Warn("OPENAI_API_KEY not set, chat answers and document embeddings are disabled")
	}

	dialogue := flow.NewDialogueManager(validator, st, buildNotifier(cfg))
	router := flow.NewRouter(dialogue, buildClassifier(cfg, gaClient), buildSearch(ctx, cfg), knowledgeBase(gaClient))
	chat := messaging.NewChatService(router, st)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleSessionSweep(ctx, cfg.SweepSchedule, cfg.SessionTTL, chat); err != nil {
		return err
	}

	if cfg.WhatsAppEnabled {
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to start WhatsApp client: %w", err)
		}
		defer wa.Disconnect()
		waService := messaging.NewWhatsAppService(chat, wa)
		waService.Start(ctx, wa)
		defer waService.Stop()
	}

	apiOpts := buildAPIOptions(cfg)
	if webhook := buildTwilioWebhook(cfg, chat); webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server := api.NewServer(chat, st, ingestFunc(gaClient), apiOpts...)
	return server.Run(ctx)
}

func buildStoreOptions(cfg Config) []store.Option {
	if cfg.InMemory || cfg.DatabaseURL == "" {
		return nil
	}
	if store.DetectDSNType(cfg.DatabaseURL) == store.DSNTypePostgres {
		slog.Debug("Using PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(cfg.DatabaseURL)}
	}
	slog.Debug("Using SQLite store", "path", cfg.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(cfg.DatabaseURL)}
}

func buildValidator(cfg Config) (*flow.Validator, error) {
	hours := flow.DefaultBusinessHours
	if cfg.BusinessOpen != "" || cfg.BusinessClose != "" {
		openAt, closeAt := cfg.BusinessOpen, cfg.BusinessClose
		if openAt == "" {
			openAt = "09:00"
		}
		if closeAt == "" {
			closeAt = "18:00"
		}
		h, err := flow.ParseBusinessHours(openAt, closeAt)
		if err != nil {
			return nil, fmt.Errorf("invalid business hours: %w", err)
		}
		hours = h
	}
	loc := time.Local
	if cfg.BusinessTZ != "" {
		l, err := time.LoadLocation(cfg.BusinessTZ)
		if err != nil {
			return nil, fmt.Errorf("invalid business time zone %q: %w", cfg.BusinessTZ, err)
		}
		loc = l
	}
	slog.Debug("Validator configured", "hours", hours.String(), "location", loc.String())
	return flow.NewValidator(hours, loc), nil
}

func buildGenAIOptions(cfg Config) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return opts
}

// buildNotifier fans confirmations out to every configured channel.
func buildNotifier(cfg Config) flow.Notifier {
	var channels notify.Multi
	email, err := notify.NewEmailNotifier(
		notify.WithSMTPServer(cfg.SMTPHost, cfg.SMTPPort),
		notify.WithCredentials(cfg.SMTPUsername, cfg.SMTPPassword),
		notify.WithFrom(cfg.SMTPFrom),
	)
	if err != nil {
		slog.Warn("Email confirmations disabled", "error", err)
	} else {
		channels = append(channels, email)
	}
	sms, err := notify.NewSMSNotifier(
		notify.WithAccountSID(cfg.TwilioSID),
		notify.WithAuthToken(cfg.TwilioToken),
		notify.WithFromNumber(cfg.TwilioFrom),
	)
	if err != nil {
		slog.Debug("SMS confirmations disabled", "error", err)
	} else {
		channels = append(channels, sms)
	}
	if len(channels) == 0 {
		return notify.Nop{}
	}
	return channels
}

func buildClassifier(cfg Config, gaClient *genai.Client) flow.IntentClassifier {
	if strings.EqualFold(cfg.Classifier, "llm") {
		if gaClient != nil {
			slog.Debug("Using LLM intent classifier")
			return gaClient
		}
		slog.Warn("LLM intent classifier requested without OPENAI_API_KEY, using heuristic classifier")
	}
	return flow.NewHeuristicClassifier()
}

func buildSearch(ctx context.Context, cfg Config) flow.SearchProvider {
	provider, err := search.NewGoogleProvider(ctx,
		search.WithAPIKey(cfg.SearchAPIKey),
		search.WithEngineID(cfg.SearchCX),
	)
	if err != nil {
		slog.Warn("Web search disabled", "error", err)
		return search.Unavailable{}
	}
	return provider
}

// knowledgeBase returns a nil interface, not a typed nil, without a client.
func knowledgeBase(gaClient *genai.Client) flow.KnowledgeBase {
	if gaClient == nil {
		return nil
	}
	return gaClient
}

// ingestFunc builds documents with embeddings and LLM service extraction
// when a client is available, and with the lexical index otherwise.
func ingestFunc(gaClient *genai.Client) api.IngestFunc {
	var opts []docindex.Option
	if gaClient != nil {
		opts = append(opts, docindex.WithEmbedder(gaClient), docindex.WithServiceExtractor(gaClient))
	}
	return func(ctx context.Context, data []byte) (*docindex.Index, error) {
		return docindex.IngestBytes(ctx, data, opts...)
	}
}

func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
	if cfg.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
	}
	if cfg.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioWebhook returns nil when no Twilio auth token is configured.
func buildTwilioWebhook(cfg Config, handler twiliowhatsapp.MessageHandler) *twiliowhatsapp.Webhook {
	opts := []twiliowhatsapp.Option{twiliowhatsapp.WithAuthToken(cfg.TwilioToken)}
	if cfg.PublicURL != "" {
		opts = append(opts, twiliowhatsapp.WithPublicURL(cfg.PublicURL))
	}
	webhook, err := twiliowhatsapp.NewWebhook(handler, opts...)
	if err != nil {
		slog.Debug("Twilio message webhook disabled", "error", err)
		return nil
	}
	return webhook
}

func buildAPIOptions(cfg Config) []api.Option {
	return []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithAdminPassword(cfg.AdminPassword),
		api.WithChatRateLimit(rate.Limit(cfg.ChatRate), api.DefaultChatBurst),
	}
}
