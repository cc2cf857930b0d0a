package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
	"github.com/taoyao-code/magstim-server/internal/migrate"
	pgstorage "github.com/taoyao-code/magstim-server/internal/storage/pg"
)

// ConnectDBAndMigrate 建立数据库连接并按需执行迁移；未启用时返回 nil
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	if !cfg.Enable {
		log.Info("database is disabled, audit trail will not be persisted")
		return nil, nil
	}
	dbpool, err := pgstorage.NewPool(ctx, cfg, log)
	if err != nil {
		log.Error("db connect error", zap.Error(err))
		return nil, err
	}
	if cfg.AutoMigrate {
		dir := cfg.MigrationsDir
		if dir == "" {
			dir = "db/migrations"
		}
		if err = (migrate.Runner{Dir: dir, Logger: log}).Up(ctx, dbpool); err != nil {
			log.Error("db migrate error", zap.Error(err))
			dbpool.Close()
			return nil, err
		}
		log.Info("db migrations applied", zap.String("dir", dir))
	}
	return dbpool, nil
}
