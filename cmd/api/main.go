package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowflow/activity"
	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/fund"
	"escrowflow/invite"
	"escrowflow/logging"
)

func main() {
	logging.Setup()
	ctx := context.Background()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	webhookSecret := os.Getenv("WEBHOOK_SHARED_SECRET")
	if webhookSecret == "" {
		slog.Error("WEBHOOK_SHARED_SECRET is required")
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		slog.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	recorder := activity.NewRecorder()
	dealRepo := deal.NewRepository(pool)
	authority := deal.NewAuthority(dealRepo, recorder)
	inviteRepo := invite.NewRepository()

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	dealService := deal.NewService(pool, dealRepo, recorder, inviteRepo)
	inviteService := invite.NewService(pool, inviteRepo, dealRepo, authority)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), dealRepo, authority, recorder)
	fundService := fund.NewService(pool, fund.NewRepository(pool), dealRepo, authority, recorder)

	server := &Server{
		authService:    authService,
		dealService:    dealService,
		inviteService:  inviteService,
		disputeService: disputeService,
		fundService:    fundService,
		activities:     activity.NewReader(pool),
		webhook:        fund.NewWebhookHandler(webhookSecret, fundService),
	}

	mux := http.NewServeMux()
	mux.Handle("/", server.routes())
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	slog.Info("api listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("serve", "error", err)
		os.Exit(1)
	}
}
