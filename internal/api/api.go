// Package api wires TriagePipe together and serves its HTTP gateway.
//
// Run builds the session and lead stores, the configured WhatsApp transport, the
// dialogue flow and the dispatcher, then serves the provider webhooks alongside
// health, metrics and escalation endpoints until SIGINT or SIGTERM.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/messaging"
	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/triage"
	"github.com/BTreeMap/TriagePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TriagePipe/internal/whatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Messaging providers.
const (
	ProviderCloud     = "cloud"
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"
)

// Triage modes.
const (
	ModeScript    = "script"
	ModeAssistant = "assistant"
)

const (
	// DefaultAddr is used when no address is configured.
	DefaultAddr = ":8080"
	// DefaultJanitorInterval is how often the in-memory session store is swept.
	DefaultJanitorInterval = time.Minute
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	ErrUnknownProvider = errors.New("unknown messaging provider")
	ErrUnknownMode     = errors.New("unknown triage mode")
)

// Opts holds configuration for the API server and the components it wires.
type Opts struct {
	Addr             string
	Provider         string
	Mode             string
	Policy           flow.EscalationPolicy
	EscalationDelay  time.Duration
	Timezone         string
	MessagesFile     string
	JanitorInterval  time.Duration
	ShutdownTimeout  time.Duration
	CloudOpts        []messaging.CloudOption
	TwilioAuthToken  string
	TwilioWebhookURL string
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithProvider selects the messaging transport (cloud, twilio or whatsmeow).
func WithProvider(provider string) Option {
	return func(o *Opts) { o.Provider = provider }
}

// WithMode selects the scripted triage or the generated-reply assistant.
func WithMode(mode string) Option {
	return func(o *Opts) { o.Mode = mode }
}

// WithEscalationPolicy sets what happens to a pending follow-up when the sender writes again.
func WithEscalationPolicy(p flow.EscalationPolicy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithEscalationDelay sets the follow-up delay after the final triage step.
func WithEscalationDelay(d time.Duration) Option {
	return func(o *Opts) { o.EscalationDelay = d }
}

// WithTimezone sets the office timezone used for business hours.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = tz }
}

// WithMessagesFile overlays the message catalog with a YAML file.
func WithMessagesFile(path string) Option {
	return func(o *Opts) { o.MessagesFile = path }
}

// WithJanitorInterval sets how often idle in-memory sessions are swept.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *Opts) { o.JanitorInterval = d }
}

// WithCloudOptions passes options to the Cloud API transport.
func WithCloudOptions(opts ...messaging.CloudOption) Option {
	return func(o *Opts) { o.CloudOpts = append(o.CloudOpts, opts...) }
}

// WithTwilioWebhook configures Twilio webhook signature validation.
func WithTwilioWebhook(authToken, webhookURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = webhookURL
	}
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		Addr:            DefaultAddr,
		Provider:        ProviderCloud,
		Mode:            ModeScript,
		Policy:          flow.PolicyKeep,
		EscalationDelay: triage.DefaultEscalationDelay,
		Timezone:        triage.DefaultTimezone,
		JanitorInterval: DefaultJanitorInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Server holds the components the HTTP handlers read from.
type Server struct {
	msgService messaging.Service
	scheduler  *flow.EscalationScheduler
	metrics    *metrics.Recorder
	transport  string
}

// NewServer creates a Server. scheduler and rec may be nil.
func NewServer(msgService messaging.Service, scheduler *flow.EscalationScheduler, rec *metrics.Recorder, transport string) *Server {
	return &Server{
		msgService: msgService,
		scheduler:  scheduler,
		metrics:    rec,
		transport:  transport,
	}
}

// Router builds the chi router. Webhook routes are mounted only for transports that
// receive them.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.rootHandler)
	r.Get("/healthz", s.healthHandler)
	r.Get("/escalations", s.escalationsHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	switch svc := s.msgService.(type) {
	case *messaging.CloudService:
		r.Get("/webhook", svc.VerifyHandler)
		r.Post("/webhook", svc.WebhookHandler)
	case *messaging.TwilioService:
		r.Post("/twilio/webhook", svc.TwilioWebhookHandler)
	}
	return r
}

// Run wires every component and serves until the process is signalled.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := applyOptions(apiOpts)
	slog.Info("Run: starting TriagePipe", "provider", cfg.Provider, "mode", cfg.Mode, "addr", cfg.Addr, "policy", cfg.Policy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewRecorder()

	sessions, err := store.NewSessionStore(ctx, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()
	if mem, ok := sessions.(*store.InMemorySessionStore); ok {
		mem.StartJanitor(ctx, cfg.JanitorInterval)
	}

	leads, err := store.NewLeadStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open lead store: %w", err)
	}
	defer leads.Close()

	var dedup store.DedupRepo = store.NewInMemoryDedup(store.DefaultDedupWindow)
	if repo, ok := sessions.(store.DedupRepo); ok {
		dedup = repo
	}

	msgService, err := newMessagingService(ctx, cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}

	scheduler := flow.NewEscalationScheduler(rec)
	defer scheduler.Stop()

	handler, err := newHandler(cfg, sessions, leads, msgService, scheduler, rec, genaiOpts)
	if err != nil {
		_ = msgService.Stop()
		return err
	}

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	dispatcher := messaging.NewDispatcher(msgService, handler,
		messaging.WithDedup(dedup),
		messaging.WithDispatchMetrics(rec),
		messaging.WithTransportName(cfg.Provider))
	dispatcher.Start(ctx)

	server := NewServer(msgService, scheduler, rec, cfg.Provider)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Run: HTTP server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: HTTP shutdown failed", "error", err)
	}
	if err := msgService.Stop(); err != nil {
		slog.Error("Run: failed to stop messaging service", "error", err)
	}
	dispatcher.Wait()
	slog.Info("Run: shutdown complete")
	return runErr
}

func newMessagingService(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, error) {
	switch cfg.Provider {
	case ProviderCloud:
		svc, err := messaging.NewCloudService(cfg.CloudOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud api transport: %w", err)
		}
		return svc, nil
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		return messaging.NewTwilioService(client, cfg.TwilioAuthToken, cfg.TwilioWebhookURL), nil
	case ProviderWhatsmeow:
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsmeow client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// newHandler builds the flow selected by cfg.Mode.
func newHandler(cfg Opts, sessions store.SessionStore, leads store.LeadStore, sender flow.Sender, scheduler *flow.EscalationScheduler, rec *metrics.Recorder, genaiOpts []genai.Option) (flow.Handler, error) {
	common := []flow.Option{
		flow.WithLeadStore(leads),
		flow.WithMetrics(rec),
		flow.WithScheduler(scheduler),
	}

	switch cfg.Mode {
	case ModeScript:
		engine, err := newEngine(cfg)
		if err != nil {
			return nil, err
		}
		opts := append(common, flow.WithEscalationPolicy(cfg.Policy))
		return flow.NewTriageFlow(engine, sessions, sender, opts...), nil
	case ModeAssistant:
		catalog, err := loadCatalog(cfg)
		if err != nil {
			return nil, err
		}
		var generator flow.ReplyGenerator
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			slog.Warn("newHandler: reply generator unavailable, every reply will be the fallback text", "error", err)
		} else {
			generator = client
		}
		opts := append(common, flow.WithFallback(catalog.Fallback))
		return flow.NewAssistantFlow(generator, sender, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

func newEngine(cfg Opts) (*triage.Engine, error) {
	hours, err := triage.NewBusinessHours(triage.DefaultOpeningHour, triage.DefaultClosingHour, cfg.Timezone)
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	return triage.NewEngine(
		triage.WithBusinessHours(hours),
		triage.WithEscalationDelay(cfg.EscalationDelay),
		triage.WithCatalog(catalog),
	), nil
}

// loadCatalog returns the default texts overlaid with MessagesFile when one is set.
func loadCatalog(cfg Opts) (triage.Catalog, error) {
	if cfg.MessagesFile == "" {
		return triage.DefaultCatalog(), nil
	}
	return triage.LoadCatalog(cfg.MessagesFile)
}
