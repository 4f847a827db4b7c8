// matrix-e2e is a minimal example binary wiring the library together:
// it loads config.toml, opens a Client, optionally runs the SSO login
// flow, serves Prometheus metrics, and syncs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	matrixe2e "github.com/hearthline/matrix-e2e"
	"github.com/hearthline/matrix-e2e/pkg/config"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type cliConfig struct {
	configPath   string
	homeserver   string
	userID       string
	deviceID     string
	accessToken  string
	logLevel     string
	metricsAddr  string
	login        bool
	loginUser    string
	printVersion bool
}

func parseFlags() cliConfig {
	var c cliConfig
	flag.StringVar(&c.configPath, "config", "", "path to config.toml (default: search standard locations)")
	flag.StringVar(&c.homeserver, "homeserver", "", "override client.homeserver_url")
	flag.StringVar(&c.userID, "user-id", "", "override client.user_id")
	flag.StringVar(&c.deviceID, "device-id", "", "override client.device_id")
	flag.StringVar(&c.accessToken, "access-token", "", "override client.access_token")
	flag.StringVar(&c.logLevel, "log-level", "", "override logging.level")
	flag.StringVar(&c.metricsAddr, "metrics-addr", "127.0.0.1:9100", "address to serve /metrics on (empty disables it)")
	flag.BoolVar(&c.login, "login", false, "run the m.login.sso flow before syncing")
	flag.StringVar(&c.loginUser, "login-password", "", "run m.login.password for this username, prompting for the password on the terminal, before syncing")
	flag.BoolVar(&c.printVersion, "version", false, "print version and exit")
	flag.Parse()
	return c
}

func main() {
	cli := parseFlags()

	if cli.printVersion {
		fmt.Printf("matrix-e2e %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cli.homeserver != "" {
		cfg.Client.HomeserverURL = cli.homeserver
	}
	if cli.userID != "" {
		cfg.Client.UserID = cli.userID
	}
	if cli.deviceID != "" {
		cfg.Client.DeviceID = cli.deviceID
	}
	if cli.accessToken != "" {
		cfg.Client.AccessToken = cli.accessToken
	}
	if cli.logLevel != "" {
		cfg.Logging.Level = cli.logLevel
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := matrixe2e.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open client: %v", err)
	}
	defer client.Close()

	if cli.login {
		result, err := client.Login(ctx, func(url string) {
			log.Printf("Open this URL in a browser to complete login:\n  %s", url)
		})
		if err != nil {
			log.Fatalf("SSO login failed: %v", err)
		}
		log.Printf("Login complete for %s (device %s)", result.UserID, result.DeviceID)
	}

	if cli.loginUser != "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", cli.loginUser)
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
		result, err := client.PasswordLogin(ctx, cli.loginUser, string(passwordBytes))
		if err != nil {
			log.Fatalf("Password login failed: %v", err)
		}
		log.Printf("Login complete for %s (device %s)", result.UserID, result.DeviceID)
	}

	if cli.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cli.metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("Serving metrics on http://%s/metrics", cli.metricsAddr)
		defer metricsSrv.Shutdown(context.Background())
	}

	log.Println("matrix-e2e is running")
	log.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Sync loop exited with error: %v", err)
	}
	log.Println("Stopped")
}
