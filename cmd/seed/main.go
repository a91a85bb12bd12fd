// seed creates a development account for local testing. Run via go run ./cmd/seed.
// Idempotent: an existing account with the same email is left as is.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	accountrepo "credential-core/backend/internal/account/repository"
	"credential-core/backend/internal/audit"
	"credential-core/backend/internal/auth/pgtx"
	"credential-core/backend/internal/auth/service"
	"credential-core/backend/internal/config"
	"credential-core/backend/internal/db"
	"credential-core/backend/internal/security"
	sessionrepo "credential-core/backend/internal/session/repository"
)

func main() {
	email := flag.String("email", "dev@example.com", "Account email")
	password := flag.String("password", "password123", "Account password")
	terms := flag.String("terms", "2024-01", "Accepted terms version")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Env == "production" {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}

	accessKeys, err := security.LoadKeyPair(cfg.JWTAccessPrivateKey, cfg.JWTAccessPublicKey)
	if err != nil {
		log.Fatalf("access key pair: %v", err)
	}
	refreshKeys, err := security.LoadKeyPair(cfg.JWTRefreshPrivateKey, cfg.JWTRefreshPublicKey)
	if err != nil {
		log.Fatalf("refresh key pair: %v", err)
	}
	signer, err := security.NewSigner(accessKeys, refreshKeys, cfg.JWTIssuer, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer conn.Close()

	svc := service.NewAuthService(
		accountrepo.NewPostgresRepository(conn),
		sessionrepo.NewPostgresRepository(conn),
		pgtx.New(conn),
		security.NewHasher(cfg.Argon2Params(), cfg.HashWorkers),
		signer,
		service.Policy{MaxActiveSessions: cfg.SessionMaxActive, CandidateLimit: cfg.SessionCandidateLimit},
		audit.Nop(),
		nil,
	)

	res, err := svc.Signup(ctx, service.SignupInput{
		Email:        *email,
		Password:     *password,
		FullName:     "Dev User",
		TermsVersion: *terms,
		DeviceID:     "seed",
	})
	switch {
	case errors.Is(err, service.ErrConflict):
		log.Printf("seed: %s already exists, skipping", *email)
	case err != nil:
		log.Fatalf("seed: %v", err)
	default:
		log.Printf("seed: created %s (id %s)", res.Account.Email, res.Account.ID)
	}
}
