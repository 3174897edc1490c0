package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"mathstream/server/internal/app"
	"mathstream/server/internal/config"
)

func main() {
	_ = godotenv.Load(".env")

	var configPath, addr string
	flag.StringVar(&configPath, "config", envOr("MATHSTREAM_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.StringVar(&addr, "addr", "", "listen address (host:port), overrides the config file")
	flag.Parse()

	settings, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if addr != "" {
		if err := overrideAddr(settings, addr); err != nil {
			log.Fatalf("invalid -addr: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Settings: settings}); err != nil {
		log.Fatalf("%v", err)
	}
}

func overrideAddr(settings *config.Config, addr string) error {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return err
	}
	settings.Server.Address = host
	settings.Server.Port = port
	return settings.Validate()
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
