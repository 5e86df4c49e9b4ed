package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-oss/groupguard/internal/bot"
	"github.com/zenith-oss/groupguard/internal/config"
	"github.com/zenith-oss/groupguard/internal/db/sqlite"
	"github.com/zenith-oss/groupguard/internal/handlers/commands"
	"github.com/zenith-oss/groupguard/internal/handlers/moderation"
	"github.com/zenith-oss/groupguard/internal/infra"
	"github.com/zenith-oss/groupguard/internal/lifecycle"
	"github.com/zenith-oss/groupguard/internal/observability"
	"github.com/zenith-oss/groupguard/internal/store"
	"github.com/zenith-oss/groupguard/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetFormatter(&config.GgFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))

	infra.GoRecoverable(-1, "main", run)
}

func run() {
	cfg := config.Get()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := observability.Init(ctx, cfg.MetricsAddr); err != nil {
		log.WithError(err).Fatalln("cant initialize observability")
	}

	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		log.WithError(err).Errorln("cant initialize bot api")
		time.Sleep(1 * time.Second)
		log.Fatalln("exiting")
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}
	defer botAPI.StopReceivingUpdates()

	dbClient, err := sqlite.NewSQLiteClient(ctx, infra.GetWorkDir(), "groupguard.db")
	if err != nil {
		log.WithError(err).Fatalln("cant initialize database")
	}

	ops := telegram.NewOperations(botAPI)

	configs := store.NewConfigStore(dbClient, cfg.Moderation.ConfigCacheTTL)
	members := store.NewMembershipLedger(dbClient, cfg.Moderation.QuarantineWindow, cfg.Moderation.JoinDebounce, cfg.Moderation.ClearedCacheTTL)
	violations := store.NewViolationLedger(dbClient)

	classifier, err := moderation.NewContentClassifier(dbClient, cfg.Moderation.ConfigCacheTTL)
	if err != nil {
		log.WithError(err).Fatalln("cant build content classifier")
	}
	flood := moderation.NewFloodDetector(cfg.Moderation.FloodWindow)
	relay := moderation.NewNotificationRelay(ops, cfg.Moderation.SendPermits, cfg.Moderation.WarnAutoDelete)
	engine := moderation.NewEnforcementEngine(ops, configs, members, violations, relay, classifier, flood, moderation.EngineSettings{
		BaseStrikeThreshold: cfg.Moderation.StrikeThreshold,
		BaseFloodThreshold:  cfg.Moderation.FloodThreshold,
		RaidLockTTL:         cfg.Moderation.RaidLockTTL,
	})
	operator := commands.NewCommands(ops, configs, engine, dbClient, classifier, commands.AllowAll(), botAPI.Self.UserName, cfg.Moderation.CustomWordLimit)

	runtime := lifecycle.NewRuntime(dbClient, relay, engine)
	if err := runtime.Start(ctx); err != nil {
		log.WithError(err).Fatalln("cant start components")
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := runtime.Stop(stopCtx); err != nil {
			log.WithError(err).Errorln("unclean shutdown")
		}
	}()

	updateProcessor := bot.NewUpdateProcessor(engine, operator)

	updateConfig := api.NewUpdate(0)
	updateConfig.Timeout = 60
	updateChan, errorChan := bot.GetUpdatesChans(ctx, botAPI, updateConfig)

	log.WithField("bot", botAPI.Self.UserName).Infoln("accepting updates")
	for {
		select {
		case err := <-errorChan:
			log.WithError(err).Fatalln("bot api get updates error")
		case update := <-updateChan:
			if err := updateProcessor.Process(ctx, &update); err != nil {
				log.WithError(err).Errorln("cant process update")
			}
		case <-ctx.Done():
			log.Infoln("no more updates")
			return
		}
	}
}
