package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cosmicchat/internal/config"
	"github.com/cosmicchat/internal/handler"
	"github.com/cosmicchat/internal/logger"
	"github.com/cosmicchat/internal/middleware"
	"github.com/cosmicchat/internal/presence"
	"github.com/cosmicchat/internal/repository"
	"github.com/cosmicchat/internal/router"
	"github.com/cosmicchat/internal/service"
	"github.com/cosmicchat/internal/startup"
	"github.com/cosmicchat/internal/storage"
	"github.com/cosmicchat/internal/storage/memory"
	"github.com/cosmicchat/internal/typing"
	"github.com/cosmicchat/internal/ws"
	"github.com/cosmicchat/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory session store")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}

	userRepo := repository.NewUserRepository(pool)
	roomRepo := repository.NewRoomRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	sessRepo := repository.NewSessionRepository(pool)

	// Connections from a previous process are gone; their flags are stale.
	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := userRepo.ResetAllOnline(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	var sessionStore storage.SessionStore
	if *dev {
		logger.Info("dev mode: in-memory session store")
		sessionStore = memory.New()
	} else {
		sessionStore = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
	}
	defer sessionStore.Close()

	authSvc := service.NewAuthService(userRepo, sessRepo, sessionStore, cfg.SessionTTL)

	if *dev {
		seedDemoUsers(authSvc)
	}

	// The presence notify callback closes over rtr, which does not exist
	// until the hub does; bind through the pointer.
	var rtr *router.Router
	tracker := presence.NewTracker(userRepo, cfg.PresenceLinger, func(userID string, online bool) {
		if rtr != nil {
			rtr.BroadcastPresence(userID, online)
		}
	})

	typingCoord := typing.NewCoordinator(cfg.TypingTTL, cfg.TypingTTL/3)
	hub := ws.NewHub(tracker, cfg.MaxWSConnections, cfg.WSSendBufferSize)
	rtr = router.New(msgRepo, roomRepo, userRepo, typingCoord, hub)
	hub.Bind(rtr)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	bgWg.Add(2)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()
	go func() {
		defer bgWg.Done()
		typingCoord.Run(bgCtx)
	}()

	authH := handler.NewAuthHandler(authSvc)
	userH := handler.NewUserHandler(userRepo, authSvc, tracker)
	roomH := handler.NewRoomHandler(rtr)
	msgH := handler.NewMessageHandler(rtr)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Never compress WebSocket upgrades: the wrapping ResponseWriter would
	// not implement http.Hijacker and the upgrade fails with 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(authSvc))
		r.Post("/api/auth/logout", authH.Logout)
		r.Get("/api/users", userH.List)
		r.Get("/api/users/me", userH.Me)
		r.Delete("/api/users/me", userH.Deactivate)
		r.Get("/api/rooms", roomH.List)
		r.Post("/api/rooms", roomH.Create)
		r.Post("/api/rooms/{roomID}/join", roomH.Join)
		r.Post("/api/rooms/{roomID}/leave", roomH.Leave)
		r.Get("/api/conversations/{conv}/messages", msgH.History)
		r.Post("/api/conversations/{conv}/messages", msgH.Send)
		r.Post("/api/conversations/{conv}/read", msgH.MarkRead)
		r.Post("/api/conversations/{conv}/typing", msgH.Typing)
		r.Get("/api/conversations/{conv}/unread", msgH.Unread)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	tracker.Close()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

// seedDemoUsers creates two well-known accounts for local development.
// Existing accounts are left untouched.
func seedDemoUsers(authSvc *service.AuthService) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	demo := []service.RegisterRequest{
		{Email: "alice@example.com", Password: "alice-dev-pass", DisplayName: "Alice"},
		{Email: "bob@example.com", Password: "bob-dev-pass", DisplayName: "Bob"},
	}
	for _, req := range demo {
		if _, err := authSvc.Register(ctx, req); err != nil {
			if !errors.Is(err, service.ErrEmailTaken) {
				logger.Errorf("seed demo user %s: %v", req.Email, err)
			}
			continue
		}
		logger.Infof("seeded demo user %s (password %s)", req.Email, req.Password)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "cosmicchat"
		password = "cosmicchat_secret"
		database = "cosmicchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
