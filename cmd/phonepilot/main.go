package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rahul/phonepilot/internal/agent"
	"github.com/rahul/phonepilot/internal/gateway"
	"github.com/rahul/phonepilot/internal/governance"
	"github.com/rahul/phonepilot/internal/observability"
	"github.com/rahul/phonepilot/internal/store"
	"github.com/rahul/phonepilot/internal/tools"
	"github.com/rahul/phonepilot/pkg/config"
	"github.com/tmc/langchaingo/llms/openai"
)

// surface is a controlled device: something to look at and act on.
type surface interface {
	agent.ObservationProvider
	agent.Automation
}

func main() {
	configPath := flag.String("config", "config.json", "path to a JSON or YAML config file")
	flag.Parse()

	observability.PrintBanner()
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter())

	cfg := config.LoadConfig(*configPath)

	tgCfg, tgOK := cfg.GetTelegramConfig()
	dcCfg, dcOK := cfg.GetDiscordConfig()
	if !tgOK && !dcOK {
		log.Fatal("No chat gateway is enabled (telegram or discord)")
	}

	history, err := store.NewHistoryStore(cfg.Memory.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer history.Close()

	logger := observability.NewLogger()
	prompts := agent.NewPromptManager(cfg.Agent.PromptsDir)

	gov, err := governance.NewPolicyEngine(cfg.Policy.DenyActions, cfg.Policy.DenyPatterns)
	if err != nil {
		log.Fatalf("invalid policy: %v", err)
	}

	// Initialize the model transport (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		log.Fatal("No enabled provider found in config")
	}

	var completer agent.Completer
	switch pCfg.Kind {
	case config.ProviderLangchain:
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
			openai.WithHTTPClient(agent.NewThinkingHintClient()),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			log.Fatal(err)
		}
		completer = agent.NewLangchainCompleter(llm)
	case config.ProviderHTTP:
		completer = agent.NewHTTPCompleter(pCfg.BaseURL)
	default:
		log.Fatalf("Provider kind %s not yet implemented in main", pCfg.Kind)
	}
	log.Printf("[Main] provider %s (%s)", pName, pCfg.Kind)

	modelGateway := agent.NewModelGateway(completer, history, prompts, logger)
	modelGateway.HistoryTurns = cfg.Agent.HistoryLimit

	var device surface
	switch cfg.Surface.Kind {
	case config.SurfaceADB:
		device = tools.NewADBSurface(cfg.Surface.ADBPath, cfg.Surface.Serial)
	case config.SurfaceBrowser:
		browser := tools.NewBrowserSurface(cfg.Surface.HomeURL, cfg.Surface.Headless)
		defer browser.Close()
		device = browser
	default:
		log.Fatalf("Unknown surface kind %q", cfg.Surface.Kind)
	}

	var observer agent.ObservationProvider = device
	if cfg.App.Workspace != "" {
		observer = tools.NewScreenshotArchive(device, filepath.Join(cfg.App.Workspace, "screenshots"))
	}

	router := agent.NewActionRouter(device, gov, logger)
	orchestrator := agent.NewOrchestrator(agent.OrchestratorConfig{
		Gateway:       modelGateway,
		Memory:        history,
		Observer:      observer,
		Router:        router,
		Preferences:   history,
		Notifications: history,
		Logger:        logger,
	})
	orchestrator.SettleDelay = time.Duration(cfg.Agent.SettleMS) * time.Millisecond

	creds := agent.Credentials{APIKey: pCfg.APIKey}
	session := gateway.NewSession(orchestrator, agent.RunOptions{
		Credentials: creds,
		MaxSteps:    cfg.Agent.MaxSteps,
		Model:       pCfg.Model,
		Thinking:    cfg.Agent.ThinkingEnabled(),
	})
	commander := gateway.NewCommander(session, history, tools.NewCronTool(history))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var notifiers gateway.Notifiers
	var messengers []gateway.Messenger

	if tgOK {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, tgCfg.ChatID, commander)
		if err != nil {
			log.Fatal(err)
		}
		messengers = append(messengers, tg)
		if tg.ChatID != 0 {
			notifiers = append(notifiers, tg)
		}
	}
	if dcOK {
		dc := gateway.NewDiscordGateway(dcCfg.Token, dcCfg.Channels, dcCfg.ChatID, history)
		messengers = append(messengers, dc)
		if dc.AlertChannel != "" {
			notifiers = append(notifiers, dc)
		}
	}

	// Start Background Heartbeat with a cancelable context
	heartbeat := agent.NewHeartbeat(modelGateway, history, notifiers, creds,
		time.Duration(cfg.Heartbeat.IntervalMinutes)*time.Minute)
	heartbeat.Model = pCfg.Model
	heartbeat.Logger = logger
	go heartbeat.Start(ctx)

	// Start Live Resource Dashboard (1-second updates)
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
			}
		}
	}()

	// Start gateways in goroutines so we can wait for context in the main loop
	for _, m := range messengers {
		go func(m gateway.Messenger) {
			if err := m.Start(ctx); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop() // stop caller if gateway dies
			}
		}(m)
	}

	// Wait for shutdown signal
	<-ctx.Done()

	for _, m := range messengers {
		m.Stop()
	}
	session.Cancel()
	session.Wait()

	// Reset terminal aesthetics
	observability.CleanupTerminal()

	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
}
