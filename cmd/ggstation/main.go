package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ggstation/internal/config"
	"ggstation/internal/telemetry"
	"ggstation/internal/web"
)

func main() {
	var (
		configPath  string
		envPath     string
		summaryPath string
	)
	flag.StringVar(&configPath, "config", "./ggstation.yaml", "Path to YAML config (empty for defaults plus environment)")
	flag.StringVar(&envPath, "env", ".env", "Optional .env file with GGSTATION_* overrides")
	flag.StringVar(&summaryPath, "log-summary", "", "Print a summary of a recorded session log and exit")
	flag.Parse()

	if summaryPath != "" {
		if err := printLogSummary(os.Stdout, summaryPath, telemetry.DefaultParserConfig()); err != nil {
			log.Fatalf("log summary failed: %v", err)
		}
		return
	}

	if err := config.LoadEnvFile(envPath); err != nil {
		log.Printf("no usable env file, falling back to OS environment: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logs)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	err = a.run(ctx)
	a.close()
	if err != nil {
		log.Fatalf("ggstation stopped: %v", err)
	}
	log.Printf("ggstation stopped")
}
