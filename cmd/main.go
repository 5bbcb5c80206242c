// Autopilot Control Plane
//
// Standalone runner for the autonomous-session control plane. Reads AI turns
// from stdin (raw text or JSON, one per line), classifies each, and prints
// the action the execution loop must take. While paused, the next input line
// is treated as the human reply and resumes the session.
//
// Usage:
//
//	go run ./cmd -config autopilot.yaml
//	go build -o autopilot ./cmd && some-agent | ./autopilot
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/sentinelworks/autopilot/controlplane/classifier"
	"github.com/sentinelworks/autopilot/controlplane/config"
	"github.com/sentinelworks/autopilot/controlplane/iterate"
	"github.com/sentinelworks/autopilot/controlplane/logging"
	"github.com/sentinelworks/autopilot/controlplane/observability"
	"github.com/sentinelworks/autopilot/controlplane/responder"
	"github.com/sentinelworks/autopilot/eventbus"
	"github.com/sentinelworks/autopilot/sessionstore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	sessionID := flag.String("session", "", "session ID (generated when empty)")
	dbPath := flag.String("db", "", "SQLite session database path")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics listen address, e.g. :9090")
	otlpEndpoint := flag.String("otlp", "", "OTLP trace collector endpoint, e.g. localhost:4317")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	config.SetIterateConfig(cfg)

	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("autopilot_starting",
		"tolerance", string(cfg.Tolerance),
		"provider", cfg.Provider,
		"max_tokens", cfg.MaxTotalTokens,
	)

	if *otlpEndpoint != "" {
		shutdown, err := observability.InitTracer("autopilot", *otlpEndpoint)
		if err != nil {
			logger.Warn("tracing_disabled", "error", err.Error())
		} else {
			defer shutdown(context.Background())
		}
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics_server_failed", "error", err.Error())
			}
		}()
		logger.Info("metrics_listening", "address", *metricsAddr)
	}

	var store iterate.SessionStore
	if *dbPath != "" {
		s, err := sessionstore.Open(*dbPath, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "session store error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()
		store = s
	}

	bus := eventbus.New(logger)

	var writer *iterate.TelemetryWriter
	if cfg.PatternsPath != "" {
		writer = iterate.NewTelemetryWriter(logger, iterate.TelemetryDir(cfg.PatternsPath))
		writer.Attach(bus)
		defer writer.Close()
	}

	var clsOpts []classifier.Option
	if cfg.EnableSemanticScoring {
		clsOpts = append(clsOpts, classifier.WithSemanticScorer(classifier.StubSemanticScorer{}))
	}
	cls := classifier.New(logger, clsOpts...)

	var respOpts []responder.Option
	if cfg.RandomizeResponses {
		respOpts = append(respOpts, responder.WithRandomization(time.Now().UnixNano()))
	}
	resp := responder.New(logger, respOpts...)

	controller := iterate.New(logger, cfg, iterate.Deps{
		Classifier: cls,
		Responder:  resp,
		Sessions:   store,
		Bus:        bus,
	})

	// Hot-reload the pattern and template libraries while running.
	watchLibrary(logger, cfg.PatternsPath, cls.LoadPatterns)
	watchLibrary(logger, cfg.TemplatesPath, resp.LoadTemplates)

	ctx := context.Background()
	id, err := controller.Start(ctx, *sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("autopilot_ready", "session_id", id)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown_signal_received", "signal", sig.String())
		controller.Stop(ctx)
		os.Exit(0)
	}()

	runLoop(ctx, controller, logger)

	controller.Stop(ctx)
	logger.Info("autopilot_stopped", "session_id", id)
}

// watchLibrary hot-reloads a library file for the lifetime of the process.
// An empty path or watch failure leaves the initially loaded library live.
func watchLibrary(logger *logging.ZapLogger, path string, reload classifier.ReloadFunc) {
	if path == "" {
		return
	}
	w, err := classifier.NewWatcher(logger, path, reload)
	if err != nil {
		logger.Warn("library_watch_disabled", "path", path, "error", err.Error())
		return
	}
	w.Start()
}

// runLoop feeds stdin turns to the controller until EOF or a terminal action.
func runLoop(ctx context.Context, controller *iterate.Controller, logger *logging.ZapLogger) {
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// A paused session consumes the next line as the human reply.
		if controller.Status() == iterate.StatusPaused {
			if err := controller.Resume(ctx, line); err != nil {
				logger.Error("resume_failed", "error", err.Error())
			}
			continue
		}

		action, err := controller.HandleResponse(ctx, parseTurn(line))
		if err != nil {
			if errors.Is(err, iterate.ErrSessionEnded) {
				return
			}
			logger.Error("handle_response_failed", "error", err.Error())
			continue
		}

		out.Encode(action)
		if action.Type == iterate.ActionStop {
			return
		}
	}
}

// parseTurn decodes a JSON turn or wraps raw text, estimating tokens when
// the input does not report them.
func parseTurn(line string) *iterate.Turn {
	turn := &iterate.Turn{}
	if strings.HasPrefix(line, "{") {
		if err := json.Unmarshal([]byte(line), turn); err == nil {
			if turn.TokensUsed == 0 {
				turn.TokensUsed = estimateTokens(turn.Message)
			}
			return turn
		}
	}
	turn.Message = line
	turn.TokensUsed = estimateTokens(line)
	return turn
}

// estimateTokens approximates token consumption at four characters per token.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// loadConfig reads an optional YAML or JSON config file over the defaults.
func loadConfig(path string) (*config.IterateConfig, error) {
	if path == "" {
		return config.DefaultIterateConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return config.IterateConfigFromMap(raw), nil
}
