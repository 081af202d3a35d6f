package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mycelis/swarm/internal/buffer"
	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/envelope"
	"github.com/mycelis/swarm/internal/llm"
	"github.com/mycelis/swarm/internal/natsbus"
	"github.com/mycelis/swarm/internal/pulse"
	"github.com/mycelis/swarm/internal/registry"
	"github.com/mycelis/swarm/internal/relay"
	"github.com/mycelis/swarm/internal/runtime"
	"github.com/mycelis/swarm/internal/store"
	"github.com/mycelis/swarm/internal/stream"
	"github.com/mycelis/swarm/internal/telegram"
	"github.com/mycelis/swarm/internal/tools"
	"github.com/mycelis/swarm/internal/vault"
	"github.com/mycelis/swarm/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("swarmd %s\n", version)
	case "gateway":
		err = runGateway()
	case "agent":
		err = runAgent()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	case "agents":
		err = runAgents(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: swarmd <command>

Commands:
  gateway    Start the swarm gateway (embedded bus, web API, bridges)
  agent      Start a single agent runtime against an external bus
  backup     Archive the local data directory
  restore    Restore a backup archive
  vault      Manage encrypted secrets
  agents     Manage agent definitions in the registry
  version    Print version
`)
}

// runGateway starts the hub process: embedded NATS with JetStream,
// durable channel provisioning, the HTTP surface and the optional
// Telegram bridge.
func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting swarm gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	buf, err := buffer.Open(cfg.Buffer.Path)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer buf.Close()

	rc := relay.New("gateway", "system", bus.ClientURL(), buf)
	if err := rc.Connect(nil); err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer rc.Close()

	if err := provisionCoreStreams(rc); err != nil {
		return err
	}

	if cfg.Telegram.Token != "" && cfg.Telegram.Agent != "" {
		bridgeBuf, err := buffer.Open(cfg.Buffer.Path + ".telegram")
		if err != nil {
			return fmt.Errorf("open telegram buffer: %w", err)
		}
		defer bridgeBuf.Close()

		bridgeRelay := relay.New("telegram", "system", bus.ClientURL(), bridgeBuf)
		if err := bridgeRelay.Connect(nil); err != nil {
			return fmt.Errorf("connect telegram relay: %w", err)
		}
		defer bridgeRelay.Close()

		bridge, err := telegram.NewBridge(cfg.Telegram, bridgeRelay)
		if err != nil {
			return fmt.Errorf("init telegram bridge: %w", err)
		}
		go func() {
			if err := bridge.Start(ctx); err != nil {
				slog.Error("telegram bridge error", "error", err)
			}
		}()
		slog.Info("telegram bridge started", "agent", cfg.Telegram.Agent)
	} else {
		slog.Warn("telegram not configured, bridge disabled")
	}

	if cfg.Web.Enabled {
		srv, err := web.NewServer(db, rc, cfg.Web, version)
		if err != nil {
			return fmt.Errorf("init web server: %w", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

// provisionCoreStreams creates the durable streams every swarm needs:
// the tool bridge and the agent chat channels.
func provisionCoreStreams(rc *relay.Client) error {
	js, err := rc.Conn().JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	if err := stream.Ensure(js, "mcp", []string{"mcp.call.>", "mcp.result.>"}); err != nil {
		return fmt.Errorf("provision mcp stream: %w", err)
	}
	if err := stream.Ensure(js, "chat-agent", []string{"chat.agent.>"}); err != nil {
		return fmt.Errorf("provision chat stream: %w", err)
	}
	slog.Info("core streams provisioned")
	return nil
}

// runAgent starts one agent runtime against an external bus. The agent
// definition comes from the control-plane registry when configured,
// falling back to local configuration.
func runAgent() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Agent.ID == "" {
		return fmt.Errorf("agent id is required (set agent.id or SWARM_AGENT_ID)")
	}

	slog.Info("starting swarm agent", "id", cfg.Agent.ID, "version", version)

	resolveAgentSpec(cfg)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	buf, err := buffer.Open(cfg.Buffer.Path)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer buf.Close()

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, db, cfg.Agent.ID); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	apiKey, err := resolveAPIKey(cfg, db)
	if err != nil {
		return err
	}
	backend := llm.NewOllama(cfg.LLM, apiKey)

	rc := relay.New(cfg.Agent.ID, cfg.Agent.Team, cfg.NATS.URL, buf)
	agent := runtime.New(cfg.Agent, rc, backend, reg, db)
	if err := agent.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer agent.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.Pulses) > 0 {
		emitter, err := pulse.New(rc, cfg.Pulses)
		if err != nil {
			return fmt.Errorf("init pulses: %w", err)
		}
		go emitter.Start(ctx)
	}

	// The agent's own chat channel should survive restarts.
	if conn := rc.Conn(); conn != nil {
		if js, err := conn.JetStream(); err == nil {
			if err := stream.EnsureChannel(js, envelope.SubjectChatAgent(cfg.Agent.ID)); err != nil {
				slog.Warn("chat channel provisioning failed", "error", err)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	return nil
}

// resolveAgentSpec overlays the registry's definition of this agent on
// the local config. The registry being down is not fatal; the agent
// runs with what it has.
func resolveAgentSpec(cfg *config.Config) {
	if cfg.Registry.URL == "" {
		return
	}

	client := registry.NewClient(cfg.Registry)
	spec, err := client.Get(context.Background(), cfg.Agent.ID)
	if err != nil {
		slog.Warn("registry unreachable, using local config", "error", err)
		return
	}
	if spec == nil {
		slog.Warn("agent not registered, using local config", "agent", cfg.Agent.ID)
		return
	}

	if spec.Backend != "" {
		cfg.Agent.Model = spec.Backend
	}
	if prompt := spec.SystemPrompt(); prompt != "" {
		cfg.Agent.SystemPrompt = prompt
	}
	if len(spec.Messaging.Inputs) > 0 {
		cfg.Agent.Inputs = append(cfg.Agent.Inputs, spec.Messaging.Inputs...)
	}
	if spec.Team != "" {
		cfg.Agent.Team = spec.Team
	}
	slog.Info("agent definition resolved from registry", "model", cfg.Agent.Model)
}

// resolveAPIKey unseals the backend credential from the vault when one
// is configured.
func resolveAPIKey(cfg *config.Config, db *store.Store) (string, error) {
	if cfg.LLM.APIKeySecret == "" {
		return "", nil
	}
	if cfg.Vault.Passphrase == "" {
		return "", fmt.Errorf("llm.api_key_secret set but vault passphrase missing")
	}

	sec, err := db.GetSecret(cfg.LLM.APIKeySecret)
	if err != nil {
		return "", fmt.Errorf("load api key secret: %w", err)
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", cfg.LLM.APIKeySecret)
	}

	plaintext, err := vault.New(cfg.Vault.Passphrase).Open(sec.Value)
	if err != nil {
		return "", fmt.Errorf("unseal api key: %w", err)
	}
	return string(plaintext), nil
}
