package main

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/yourorg/candle-cache/internal/config"
	"github.com/yourorg/candle-cache/migrations"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", "config/config.yaml", "path to the config file")
	pflag.Usage = func() {
		fmt.Println("usage: migrate [--config path] up|down|status|version")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	command := "up"
	if pflag.NArg() > 0 {
		command = pflag.Arg(0)
	}

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal("Goose: failed to set dialect", zap.Error(err))
	}

	logger.Info("Running database migrations", zap.String("command", command))
	switch command {
	case "up":
		err = goose.Up(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	default:
		pflag.Usage()
		logger.Fatal("Unknown migration command", zap.String("command", command))
	}
	if err != nil {
		logger.Fatal("Goose migration failed", zap.Error(err))
	}

	logger.Info("Migrations completed successfully")
}
