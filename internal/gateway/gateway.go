// ABOUTME: Gateway orchestrator wiring store, queue, sockets, and HTTP ingress
// ABOUTME: Manages the HTTP server lifecycle and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydesk/relaydesk/internal/access"
	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/polling"
	"github.com/relaydesk/relaydesk/internal/presence"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Options carries external collaborators the gateway cannot build itself.
// Zero value is usable: replies fall back to a canned acknowledgment and
// outbound WhatsApp delivery is derived from config.
type Options struct {
	Responder channel.Responder
	Sender    channel.Sender
}

// Gateway wires every component together and runs the HTTP server.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store         store.Store
	limiter       *access.Limiter
	guard         *access.Guard
	verifier      auth.TokenVerifier
	presence      *presence.Tracker
	broadcaster   *queue.Broadcaster
	queue         *queue.Queue
	conversations *conversation.Service
	widget        *channel.WidgetAdapter
	dashboard     *channel.DashboardAdapter
	whatsapp      *channel.WhatsAppAdapter
	polling       *polling.Gateway
	httpServer    *http.Server
}

// defaultResponder answers customers when no external assistant is wired in.
func defaultResponder() channel.Responder {
	return channel.ResponderFunc(func(context.Context, string, string) (string, error) {
		return "Thanks for your message! Reply \"agent\" at any time to talk to a human.", nil
	})
}

// resolveSender picks the outbound WhatsApp transport. Without provider
// credentials, sends are logged and dropped so local setups still work.
func resolveSender(cfg *config.Config, logger *slog.Logger) channel.Sender {
	if cfg.WhatsApp.AccessToken != "" && cfg.WhatsApp.PhoneNumberID != "" {
		return channel.NewGraphSender(cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.AccessToken, logger)
	}
	drop := logger.With("component", "whatsapp-sender")
	return channel.SenderFunc(func(_ context.Context, to, _ string) error {
		drop.Warn("no provider credentials configured, dropping outbound message", "to", to)
		return nil
	})
}

// New creates a gateway instance with the given configuration.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	limiter := access.NewLimiter(cfg.Widget.RateLimit, cfg.Widget.RateWindow)
	guard := access.NewGuard(st, limiter, logger)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	tracker := presence.NewTracker(cfg.Agents.OfflineGrace)

	broadcaster := queue.NewBroadcaster(logger.With("component", "broadcaster"))
	q := queue.New(st, broadcaster, logger)
	svc := conversation.New(st, q, logger)

	responder := opts.Responder
	if responder == nil {
		responder = defaultResponder()
	}
	sender := opts.Sender
	if sender == nil {
		sender = resolveSender(cfg, logger)
	}

	g := &Gateway{
		config:        cfg,
		logger:        logger.With("component", "gateway"),
		store:         st,
		limiter:       limiter,
		guard:         guard,
		verifier:      verifier,
		presence:      tracker,
		broadcaster:   broadcaster,
		queue:         q,
		conversations: svc,
		widget:        channel.NewWidgetAdapter(svc, logger),
		dashboard:     channel.NewDashboardAdapter(svc, logger),
		whatsapp: channel.NewWhatsAppAdapter(svc, responder, sender,
			cfg.WhatsApp.VerifyToken, cfg.WhatsApp.AppSecret, logger),
		polling: polling.New(st, tracker, logger),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// routes builds the HTTP mux for every surface the gateway serves.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /widget/handoff", instrument("/widget/handoff", g.handleWidgetHandoff))
	mux.HandleFunc("GET /widget/handoff", instrument("/widget/handoff", g.handleWidgetPoll))
	mux.HandleFunc("OPTIONS /widget/handoff", g.handleWidgetOptions)

	mux.HandleFunc("POST /dashboard/handoff", instrument("/dashboard/handoff", g.handleDashboardHandoff))

	if g.config.WhatsApp.Enabled {
		mux.HandleFunc("GET /webhooks/whatsapp", g.handleWhatsAppVerify)
		mux.HandleFunc("POST /webhooks/whatsapp", instrument("/webhooks/whatsapp", g.handleWhatsAppWebhook))
	}

	// Websocket upgrades hijack the connection, so they skip the
	// status-recording middleware.
	mux.HandleFunc("GET /ws/agent", g.handleAgentWS)
	mux.HandleFunc("GET /ws/chat", g.handleChatWS)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.Handler())
	}

	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go g.prunePresence(ctx)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// prunePresence drops expired agent entries until the context ends.
func (g *Gateway) prunePresence(ctx context.Context) {
	ticker := time.NewTicker(g.config.Agents.OfflineGrace)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.presence.Prune()
		case <-ctx.Done():
			return
		}
	}
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.broadcaster.Close()
	g.limiter.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListWaiting(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents available)", len(g.presence.Available()))
}
