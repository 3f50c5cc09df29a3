package main

import (
	"context"

	"mailflow/cmd/cli"
	"mailflow/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	cli.BindEnv(viper.GetViper())
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}

	logrus.Info("Starting database migration...")
	if err := cli.Migrate(context.Background(), cfg); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}
	logrus.Info("Database migration completed")
}
