package cli

import (
	"context"

	"mailflow/internal/config"
	"mailflow/internal/database"
	"mailflow/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the entity table and its indexes",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			logrus.Fatalf("Failed to initialize logger: %v", err)
		}
		if err := Migrate(cmd.Context(), cfg); err != nil {
			logrus.Fatalf("Migration failed: %v", err)
		}
		logrus.Info("Database migration completed")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// Migrate 连接数据库并迁移实体表
func Migrate(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := database.Open(cfg.Database, false, cfg.Log.Level)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	return store.NewGormDriver(db).Migrate(ctx)
}
