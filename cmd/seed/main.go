// seed inserts a verified development user for local testing.
// Idempotent: skips the insert if dev@example.com already exists.
package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"constellation/backend/internal/config"
	"constellation/backend/internal/db"
	"constellation/backend/internal/logging"
	"constellation/backend/internal/security"
	userdomain "constellation/backend/internal/user/domain"
	userrepo "constellation/backend/internal/user/repository"
)

const (
	devUserEmail = "dev@example.com"
	devPassword  = "password123"
	devFirstName = "Dev"
	devLastName  = "User"
	seedCost     = 10
)

func main() {
	logger, err := logging.New("info", "development")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	dsn, err := config.DatabaseURL()
	if err != nil {
		logger.Fatal("seed", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, dsn, db.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	existing, err := users.GetByEmail(ctx, devUserEmail)
	if err != nil {
		logger.Fatal("seed check", zap.Error(err))
	}
	if existing != nil {
		logger.Info("seed already applied; skipping", zap.String("email", devUserEmail))
		return
	}

	hash, err := security.NewHasher(seedCost).Hash([]byte(devPassword))
	if err != nil {
		logger.Fatal("hash password", zap.Error(err))
	}
	now := time.Now().UTC()
	u := &userdomain.User{
		ID:           uuid.NewString(),
		Email:        devUserEmail,
		FirstName:    devFirstName,
		LastName:     devLastName,
		PasswordHash: hash,
		Verified:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := users.Create(ctx, u); err != nil {
		logger.Fatal("create dev user", zap.Error(err))
	}
	logger.Info("seeded dev user", zap.String("email", devUserEmail), zap.String("id", u.ID))
}
