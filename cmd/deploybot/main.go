package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/G-Jeffreys/DeployBot/internal/activitylog"
	"github.com/G-Jeffreys/DeployBot/internal/analytics"
	"github.com/G-Jeffreys/DeployBot/internal/config"
	"github.com/G-Jeffreys/DeployBot/internal/gateway"
	"github.com/G-Jeffreys/DeployBot/internal/logging"
	"github.com/G-Jeffreys/DeployBot/internal/notify"
	"github.com/G-Jeffreys/DeployBot/internal/orchestrator"
	"github.com/G-Jeffreys/DeployBot/internal/project"
	"github.com/G-Jeffreys/DeployBot/internal/redirect"
	"github.com/G-Jeffreys/DeployBot/internal/selector"
)

// busProxy defers the hub reference: the orchestrator needs a publisher at
// construction time, but the hub needs the orchestrator as its command
// handler.
type busProxy struct {
	hub *gateway.Hub
}

func (b *busProxy) Publish(msgType, event string, data map[string]interface{}) {
	if b.hub != nil {
		b.hub.Publish(msgType, event, data)
	}
}

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/deploybot/config.yaml)")
	port := flag.Int("port", 0, "Override server port")
	noMonitor := flag.Bool("no-monitor", false, "Do not start deploy-log monitoring automatically")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := os.MkdirAll(cfg.Monitor.ConfigDir, 0o755); err != nil {
		log.Fatalf("Failed to create config directory %s: %v", cfg.Monitor.ConfigDir, err)
	}

	registry, err := project.New(
		filepath.Join(cfg.Monitor.ConfigDir, "project_mappings.json"),
		filepath.Join(cfg.Monitor.ConfigDir, "projects"),
	)
	if err != nil {
		log.Fatalf("Failed to load project registry: %v", err)
	}
	if added, err := registry.MigrateExisting(); err != nil {
		log.Printf("WARN: migrating existing projects: %v", err)
	} else if added > 0 {
		log.Printf("Migrated %d existing projects into the registry", added)
	}

	store := analytics.New()
	proxy := &busProxy{}
	notifier := notify.New(proxy, notify.DefaultChannels())

	sink := activitylog.New(registry.Resolve,
		filepath.Join(cfg.Monitor.ConfigDir, "system_activity.log"),
		func(e activitylog.Entry) {
			proxy.Publish("system", "activity_log_overflow", map[string]interface{}{
				"project": e.Project, "event_type": e.EventType,
			})
		})

	var llm selector.Adapter
	if cfg.LLM.Enabled {
		if key := os.Getenv(cfg.LLM.APIKeyEnv); key != "" {
			llm = selector.NewAnthropicAdapter(key, cfg.LLM.Model)
			log.Printf("LLM task selection enabled (%s)", cfg.LLM.Model)
		} else {
			log.Printf("WARN: llm.enabled is set but %s is empty; using heuristic selection", cfg.LLM.APIKeyEnv)
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Log:        logging.New(),
		Registry:   registry,
		Store:      store,
		Selector:   selector.New(store, llm),
		Redirector: redirect.New(),
		Notifier:   notifier,
		Bus:        proxy,
		Activity:   sink,
	})

	hub := gateway.NewHub(orch, cfg.Server.MaxConnections)
	proxy.hub = hub
	server := gateway.NewServer(hub, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	stopCh := make(chan struct{})
	go sink.Run(stopCh)
	go orch.Run(stopCh)

	if !*noMonitor {
		orch.HandleCommand("start-monitoring", nil)
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		close(stopCh)
		orch.Shutdown()
		sink.Drain()
		hub.Close()
		os.Exit(0)
	}()

	if err := gateway.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
