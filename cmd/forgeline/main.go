package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"forgeline/internal/adapter/gateway"
	"forgeline/internal/infra/config"
	"forgeline/internal/infra/logger"
	"forgeline/internal/infra/middleware"
	"forgeline/internal/infra/tracer"
)

var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") || os.Args[1] == "serve" {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'forgeline --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`forgeline - code generation agent service

USAGE:
    forgeline [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP and WebSocket gateway (default)
    doctor      Run health checks on your setup
    encrypt     Encrypt a secret for use as an enc: config value
                (reads FORGELINE_CONFIG_KEY; value from argument or stdin)
    version     Print the build version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (or FORGELINE_CONFIG)
    Environment: FORGELINE_* variables override config
    Encrypted values: set FORGELINE_CONFIG_KEY to decrypt enc: secrets`)
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	router, err := initLLM(cfg, log)
	if err != nil {
		return err
	}

	rt, err := initRuntime(cfg, router, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := initScheduler(cfg, rt, log)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := gateway.NewServer(gateway.ServerDeps{
		Agents:     rt.Orchestrator,
		Sockets:    gateway.NewConnectionRouter(rt.Platform, rt.Locator, cfg.Actors.Namespace, cfg.Server.AllowedOrigins, log),
		Auth:       initAuth(cfg),
		Stats:      rt.Platform,
		Events:     rt.Bus,
		Middleware: httpMiddleware(ctx, cfg, log),
		Version:    version,
	}, cfg.Server.Addr, cfg.Server.ShutdownTimeout, log)

	log.Info("forgeline starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"namespace", cfg.Actors.Namespace,
		"sandbox", cfg.Sandbox.Backend,
		"llm", cfg.LLM.DefaultProvider,
	)

	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.Info("shutting down")
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := rt.Orchestrator.Wait(waitCtx); err != nil {
		log.Warn("background generations still running at shutdown", "error", err)
	}
	return nil
}

// initAuth returns nil when auth is disabled so every caller is anonymous.
func initAuth(cfg *config.Config) gateway.Authenticator {
	if cfg.Auth.Type != "static" {
		return nil
	}
	entries := make([]gateway.TokenEntry, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		entries = append(entries, gateway.TokenEntry{Token: t.Token, UserID: t.UserID, Name: t.Name})
	}
	return gateway.NewStaticTokenAuth(entries)
}

func httpMiddleware(ctx context.Context, cfg *config.Config, log *slog.Logger) []func(http.Handler) http.Handler {
	mws := []func(http.Handler) http.Handler{
		middleware.RequestLogger(log),
		middleware.SecurityHeaders,
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.HTTPRequestsPerSecond > 0 {
		mws = append(mws, middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.HTTPRequestsPerSecond,
			Burst:             cfg.RateLimit.HTTPBurst,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
			MaxAge:            cfg.RateLimit.MaxAge,
			TrustedProxies:    cfg.Server.TrustedProxies,
		}))
	}
	return mws
}

// runEncrypt prints the enc: form of a secret so it can be pasted into the
// config file.
func runEncrypt(args []string) error {
	passphrase := os.Getenv("FORGELINE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("FORGELINE_CONFIG_KEY must be set")
	}
	var plaintext string
	if len(args) > 0 {
		plaintext = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		plaintext = strings.TrimRight(string(data), "\r\n")
	}
	if plaintext == "" {
		return fmt.Errorf("nothing to encrypt")
	}
	enc, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

// configPath returns the config file path from --config, FORGELINE_CONFIG,
// or the default.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("FORGELINE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
