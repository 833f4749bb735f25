package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alumnet-chat/internal/auth"
	"alumnet-chat/internal/config"
	"alumnet-chat/internal/database"
	"alumnet-chat/internal/handlers"
	"alumnet-chat/internal/relay"
	"alumnet-chat/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()

	if err := logger.Initialize(cfg.Log.Level); err != nil {
		panic(err)
	}

	// Initialize store: Postgres when configured, in-memory otherwise
	var db database.Database
	if cfg.Database.URL != "" {
		pg, err := database.NewPostgresDB(cfg.Database.URL)
		if err != nil {
			logger.Log.Fatal("failed to connect to database", zap.Error(err))
		}
		db = pg
	} else {
		logger.Log.Info("no DATABASE_URL set, using in-memory store")
		db = database.NewMemoryDB()
	}
	defer db.Close()

	// Initialize services
	authService := auth.NewService(db, cfg)

	// Initialize the relay hub
	hub := relay.NewHub(db)
	go hub.Run()

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	messageHandlers := handlers.NewMessageHandlers(authService, db)
	wsHandlers := handlers.NewWebSocketHandlers(authService, hub)

	// Setup routes
	mux := http.NewServeMux()
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/register", authHandlers.Register)
	mux.HandleFunc("/api/messages/", messageHandlers.History)
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      logger.RequestLogger(corsMiddleware(mux)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Log.Info("server started",
		zap.String("addr", cfg.Server.Port),
		zap.String("ws", "/ws"),
		zap.String("history", "/api/messages/{peer}"),
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("server shutting down")

	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("shutdown error", zap.Error(err))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
