package pg

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgOnce sync.Once
	pgMgr  *Manager
)

type Manager struct {
	pool *pgxpool.Pool
}

type Config struct {
	URL string
}

// Init 初始化 pgx 连接池（单例）
func Init(c Config) error {
	var initErr error
	pgOnce.Do(func() {
		pool, err := pgxpool.New(context.Background(), c.URL)
		if err != nil {
			initErr = err
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			initErr = err
			return
		}
		pgMgr = &Manager{pool: pool}
	})
	return initErr
}

// GetPool 获取连接池
func GetPool() *pgxpool.Pool {
	if pgMgr == nil {
		panic("Postgres not initialized, call Init first")
	}
	return pgMgr.pool
}

func Close() {
	if pgMgr != nil && pgMgr.pool != nil {
		pgMgr.pool.Close()
	}
}
