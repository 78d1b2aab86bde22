package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"classbeacon/internal/api"
	"classbeacon/internal/auth"
	"classbeacon/internal/config"
	"classbeacon/internal/database"
	"classbeacon/internal/hub"
	"classbeacon/internal/metrics"
	"classbeacon/internal/router"
	"classbeacon/internal/session"
	"classbeacon/internal/websocket"
	"classbeacon/migrations"
	pkgdatabase "classbeacon/pkg/database"
)

// Application coordinates all server components
type Application struct {
	config         *config.Config
	dbManager      *database.Manager
	sessionManager *session.Manager
	registry       *websocket.Registry
	messageRouter  *router.Router
	messageHub     *hub.Hub
	apiServer      *api.Server
	issuer         *auth.Issuer
	metrics        *metrics.Metrics
	httpServer     *http.Server
	listener       net.Listener
}

// NewApplication creates all components in dependency order:
// Database → Roster → Session → Registry → Router → Hub → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: database and embedded migrations
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB(), migrations.FS).ApplyMigrations(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Println("Database migrations applied successfully")

	// STEP 2: optional roster seed
	if path := cfg.Attendance.RosterFile; path != "" {
		roster, err := LoadRoster(path)
		if err != nil {
			dbManager.Close()
			return nil, err
		}
		classes, enrollments, err := roster.Seed(context.Background(), dbManager)
		if err != nil {
			dbManager.Close()
			return nil, fmt.Errorf("failed to seed roster: %w", err)
		}
		log.Printf("Roster seeded: classes=%d enrollments=%d", classes, enrollments)
	}

	// STEP 3: session manager with sessions left open by a previous run
	sessionManager := session.NewManager(dbManager)
	if err := sessionManager.LoadActiveSessions(context.Background()); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	// STEP 4: live channel components
	m := metrics.New()
	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	registry := websocket.NewRegistry()
	messageRouter := router.NewRouter(registry, sessionManager, cfg.Attendance.MessagesPerMinute, m)
	messageHub := hub.NewHub(messageRouter)
	wsHandler := websocket.NewHandler(registry, issuer, messageHub, cfg.WebSocket, m)

	// STEP 5: REST API with the channel mounted beside it
	apiServer := api.NewServer(sessionManager, dbManager, registry, messageRouter, issuer, m)
	apiServer.HandleChannel("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:         cfg,
		dbManager:      dbManager,
		sessionManager: sessionManager,
		registry:       registry,
		messageRouter:  messageRouter,
		messageHub:     messageHub,
		apiServer:      apiServer,
		issuer:         issuer,
		metrics:        m,
		httpServer:     httpServer,
	}, nil
}

// Start runs the hub, then begins accepting HTTP connections
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting classbeacon server on %s", app.httpServer.Addr)

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// TECHNICAL DISCOVERY: Listening synchronously surfaces port conflicts as a
	// Start error instead of a log line from a goroutine
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("HTTP server error: %w", err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("classbeacon server started successfully")
	return nil
}

// StartHub starts message processing without a listener, for servers
// mounted through Handler
func (app *Application) StartHub(ctx context.Context) error {
	return app.messageHub.Start(ctx)
}

// Stop shuts down in reverse dependency order: HTTP → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down classbeacon server")

	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	if err := app.messageHub.Stop(); err != nil {
		log.Printf("Message hub shutdown error: %v", err)
	}

	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("classbeacon server shutdown complete")
	return nil
}

// Handler returns the full HTTP surface
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Issuer returns the token issuer, used by the mint-token command and tests
func (app *Application) Issuer() *auth.Issuer {
	return app.issuer
}

// GetAddr returns the bound address once started, the configured one before
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// ShutdownTimeout is the grace period cmd/classbeacon gives Stop
const ShutdownTimeout = 10 * time.Second
