package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"coach-chat-jobs/internal/config"
	"coach-chat-jobs/internal/domain/model"
	pg "coach-chat-jobs/internal/infra/db/postgres"
	"coach-chat-jobs/internal/infra/web"
)

// seed creates a coaching session in postgres and prints a bearer token that owns it.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	tenantID := flag.String("tenant", "tenant-demo", "tenant id of the session owner")
	userID := flag.String("user", "user-demo", "user id of the session owner")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	// ---- Config ----
	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Storage.Driver != "postgres" {
		log.Fatalf("seed needs storage.driver=postgres, got %q", cfg.Storage.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	// session rows carry no message content, so no encryption service is needed here
	sessions := pg.NewPostgresChatSessionRepo(pool, nil)
	s := model.NewChatSession(uuid.NewString(), *tenantID, *userID, cfg.AI.DefaultModel)
	if err := sessions.Save(ctx, nil, s); err != nil {
		log.Fatalf("save session: %v", err)
	}

	token, err := web.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Mint(*tenantID, *userID, *ttl)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}

	fmt.Printf("session: %s\n", s.ID)
	fmt.Printf("token:   %s\n", token)
	fmt.Printf("submit:  curl -X POST -H 'Authorization: Bearer %s' -d '{\"message\":\"hi\"}' http://localhost:%d%s/session/%s/message\n",
		token, cfg.HTTP.Port, cfg.HTTP.BasePath, s.ID)
}
