// Gestor is a tool-using business assistant for chat channels.
//
// It runs an agent loop against any OpenAI-compatible model endpoint,
// answers questions about partners, products and orders through a
// registered tool pack, and bridges conversations over MQTT.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	gestor serve             Start the MQTT chat bridge
//	gestor ask <question>    Ask a single question (for testing)
//	gestor version           Print version and build information
//	gestor -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/solano/gestor-agent/internal/agent"
	"github.com/solano/gestor-agent/internal/archive"
	"github.com/solano/gestor-agent/internal/bridge"
	"github.com/solano/gestor-agent/internal/buildinfo"
	"github.com/solano/gestor-agent/internal/business"
	"github.com/solano/gestor-agent/internal/config"
	"github.com/solano/gestor-agent/internal/conversation"
	"github.com/solano/gestor-agent/internal/dispatch"
	"github.com/solano/gestor-agent/internal/events"
	"github.com/solano/gestor-agent/internal/llm"
	"github.com/solano/gestor-agent/internal/tools"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches to a subcommand. Arguments are
// parsed by hand: the flag package's global state gets in the way of
// calling run concurrently from tests, and the surface is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: gestor ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe wires the full stack and serves MQTT chat until SIGINT or
// SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	logger.Info("gestor starting", "version", buildinfo.Version, "config", cfgPath)

	if !cfg.MQTT.Enabled {
		return fmt.Errorf("serve requires mqtt.enabled in %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New()
	go logEvents(ctx, bus, logger)

	var arch *archive.Store
	if cfg.Archive.Enabled {
		arch, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer arch.Close()
		logger.Info("turn archive open", "path", cfg.Archive.Path)
	}

	loop, manager, err := buildLoop(cfg, bus, arch, logger)
	if err != nil {
		return err
	}

	br := bridge.New(cfg.MQTT, loop, manager, cfg.Agent.Name, bus, logger)
	loop.SetSurface(br)

	err = br.Start(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("gestor shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return br.Stop(stopCtx)
	}
	return err
}

// runAsk boots a minimal stack (no bridge, no archive) and answers a
// single question. Useful for smoke tests without a broker.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, slog.LevelWarn)

	loop, manager, err := buildLoop(cfg, nil, nil, logger)
	if err != nil {
		return err
	}

	resp, err := loop.Run(ctx, agent.Request{
		ConversationID: "cli",
		Text:           strings.Join(args, " "),
		Channel:        "cli",
		Manager:        manager,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Text)
	return nil
}

// buildLoop assembles the agent loop shared by serve and ask. A nil
// archive disables turn and tool persistence.
func buildLoop(cfg *config.Config, bus *events.Bus, arch *archive.Store, logger *slog.Logger) (*agent.Loop, tools.BusinessManager, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, nil, fmt.Errorf("openai.api_key is not configured")
	}

	client := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:   cfg.OpenAI.APIKey,
		BaseURL:  cfg.OpenAI.BaseURL,
		ProxyURL: cfg.OpenAI.ProxyURL,
	}, logger)

	registry := tools.NewRegistry()
	business.RegisterTools(registry)
	manager := business.NewDemoManager()

	store := conversation.NewStore(cfg.Agent.SystemPrompt, logger)
	dispatcher := dispatch.New(logger, registry, bus)
	dispatcher.SetArchive(arch)
	loop := agent.New(logger, store, client, dispatcher, registry, bus, agent.Options{
		Model:         cfg.OpenAI.Model,
		AgentName:     cfg.Agent.Name,
		MaxIterations: cfg.Agent.MaxIterations,
		TurnTimeout:   cfg.TurnTimeout(),
	})
	loop.SetArchive(arch)
	return loop, manager, nil
}

// logEvents drains the bus into the structured log until ctx ends.
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			logger.Log(ctx, config.LevelTrace, "event",
				"source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Gestor - Business Chat Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: gestor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the MQTT chat bridge")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
