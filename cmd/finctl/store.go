package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/panyam/tokenkeeper/client"
	"github.com/panyam/tokenkeeper/client/stores/fs"
	gormstore "github.com/panyam/tokenkeeper/client/stores/gorm"
	redisstore "github.com/panyam/tokenkeeper/client/stores/redis"
	"github.com/panyam/tokenkeeper/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore builds the credential store named by cfg.Store. The returned
// closer releases any connection the store holds.
func openStore(ctx context.Context, cfg *config.Config) (client.CredentialStore, io.Closer, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return client.NewMemoryStore(), nopCloser{}, nil

	case config.StoreFile:
		store, err := fs.New(cfg.CredentialsFile, config.DefaultAppName)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil

	case config.StoreRedis:
		rc := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return redisstore.New(rc, redisstore.WithPrefix(cfg.RedisPrefix)), rc, nil

	case config.StoreSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", cfg.SQLitePath, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := gormstore.New(db)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return store, sqlDB, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
