package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "recado/app/configs"
	"recado/app/core/access"
	"recado/app/core/db"
	"recado/app/core/generation"
	"recado/app/core/history"
	"recado/app/core/interaction/cli"
	"recado/app/core/interaction/gateway"
	"recado/app/core/interaction/whatsapp"
	"recado/app/core/queue"
	"recado/app/core/reminder"
	"recado/app/core/router"
	"recado/app/core/scheduler"
	"recado/app/pkg/logger"
)

func main() {
	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()

	if err := logger.Init(cfg.Storage.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("recado starting")

	loc, err := time.LoadLocation(cfg.Assistant.Timezone)
	if err != nil {
		logger.Warn("invalid timezone in config, falling back to UTC", "timezone", cfg.Assistant.Timezone)
		loc = time.UTC
	}

	database, err := db.NewSQLiteDB(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("Failed to initialize DB", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("database initialized")

	reminderStore := reminder.NewStore(database)
	historyStore := history.NewStore(database)
	gate := access.NewGate(cfg.Assistant.AllowedOwners)

	genClient := generation.NewClient(generation.Options{
		APIKey:       cfg.Generation.APIKey,
		BaseURL:      cfg.Generation.BaseURL,
		Model:        cfg.Generation.Model,
		SystemPrompt: cfg.Generation.SystemPrompt,
		Timeout:      time.Duration(cfg.Generation.TimeoutSec) * time.Second,
	})

	// The gateway is built after the reminder service but delivers for
	// it, so the notifier closes over the variable.
	var gw *gateway.Gateway
	notifier := reminder.NotifierFunc(func(ctx context.Context, owner, content string) error {
		return gw.Notify(ctx, owner, content)
	})

	reminderSvc := reminder.NewService(reminderStore, notifier, reminder.Settings{
		GraceWindow: time.Duration(cfg.Reminder.GraceWindowSec) * time.Second,
		MaxRetries:  cfg.Reminder.MaxRetries,
		RetryDelay:  time.Duration(cfg.Reminder.RetryDelaySec) * time.Second,
		Location:    loc,
	})

	agent := router.New(gate, reminderSvc, historyStore, genClient, router.Options{
		Name:        cfg.Assistant.Name,
		Location:    loc,
		ReplayLimit: cfg.History.ReplayLimit,
	})

	gw = gateway.NewGateway(agent)

	workQueue := queue.New(64)
	gw.SetWorkQueue(workQueue, 2*time.Minute)

	gw.RegisterChannel(cli.NewChannel(firstOwner(cfg.Assistant.AllowedOwners)))
	if cfg.WhatsApp.PhoneNumberID != "" {
		gw.RegisterChannel(whatsapp.NewChannel(whatsapp.Options{
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			AccessToken:   cfg.WhatsApp.AccessToken,
			VerifyToken:   cfg.WhatsApp.VerifyToken,
			AppSecret:     cfg.WhatsApp.AppSecret,
			APIVersion:    cfg.WhatsApp.APIVersion,
			Port:          cfg.WhatsApp.Port,
		}))
		if err := gw.SetDefaultChannel("whatsapp"); err != nil {
			logger.Error("select delivery channel failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("whatsapp not configured, reminders deliver to the CLI channel")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := workQueue.Start(ctx, 4); err != nil {
		logger.Error("Failed to start work queue", "error", err)
		os.Exit(1)
	}

	// Apply the misfire policy for anything that came due while the
	// process was down, then start the polling loops.
	if _, err := reminderSvc.RecoverStartup(ctx, time.Now()); err != nil {
		logger.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}

	jobScheduler := scheduler.New()
	mustRegister(jobScheduler, scheduler.JobSpec{
		Name:       "reminder-dispatch",
		Interval:   time.Duration(cfg.Reminder.PollIntervalSec) * time.Second,
		Timeout:    time.Minute,
		RunOnStart: true,
		Run: func(runCtx context.Context) error {
			reminderSvc.DispatchDue(runCtx)
			return nil
		},
	})
	mustRegister(jobScheduler, scheduler.JobSpec{
		Name:     "misfire-sweep",
		Interval: time.Duration(cfg.Reminder.SweepIntervalSec) * time.Second,
		Timeout:  time.Minute,
		Run: func(runCtx context.Context) error {
			reminderSvc.SweepMisfired(runCtx)
			return nil
		},
	})
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := gw.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Gateway crashed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("recado is ready")
	fmt.Println("- CLI Interface: Interactive")
	if cfg.WhatsApp.PhoneNumberID != "" {
		fmt.Printf("- WhatsApp webhook: http://localhost:%d/webhook\n", cfg.WhatsApp.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())
	cancel()

	if err := jobScheduler.Stop(3 * time.Second); err != nil {
		logger.Error("Scheduler shutdown timeout", "error", err)
	}
	if err := reminderSvc.Stop(5 * time.Second); err != nil {
		logger.Error("Reminder drain timeout", "error", err)
	}
	if err := workQueue.Stop(5 * time.Second); err != nil {
		logger.Error("Queue drain timeout", "error", err)
	}
}

func mustRegister(s *scheduler.Scheduler, job scheduler.JobSpec) {
	if err := s.Register(job); err != nil {
		logger.Error("Failed to register job", "job", job.Name, "error", err)
		os.Exit(1)
	}
}

func firstOwner(owners []string) string {
	if len(owners) > 0 {
		return owners[0]
	}
	return ""
}
