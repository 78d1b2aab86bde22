package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classbeacon/internal/app"
	"classbeacon/internal/auth"
	"classbeacon/internal/config"
)

// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run dispatches to the serve (default) or mint-token command
func run(args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "mint-token" {
		return mintToken(args[1:], stdout)
	}
	return serve(args)
}

// loadConfig applies .env, environment and the optional JSON file
// FUNCTIONAL DISCOVERY: Precedence is file > env > .env > defaults
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	envFile := fs.String("env", ".env", "dotenv file loaded before reading the environment")
	configFile := fs.String("config", os.Getenv("CLASSBEACON_CONFIG_FILE"), "JSON config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		return nil, err
	}
	return config.LoadConfigWithPrecedence(*configFile), nil
}

func serve(args []string) error {
	fs := flag.NewFlagSet("classbeacon", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalCh
	log.Printf("Received signal %v, shutting down gracefully", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// mintToken prints a bearer token for local testing and device setup
func mintToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mint-token", flag.ContinueOnError)
	userID := fs.String("user", "", "user id to embed in the token")
	role := fs.String("role", "student", "student or teacher")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("mint-token: -user is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	token, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(*userID, *role)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
