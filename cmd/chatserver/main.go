// Package main provides the chat server binary: a Telnet chat room with
// capability auto-sensing and scriptable commands.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/ckode/sonzotelnet/internal/chat"
	"github.com/ckode/sonzotelnet/internal/config"
	"github.com/ckode/sonzotelnet/internal/observability"
	"github.com/ckode/sonzotelnet/internal/scripting"
	"github.com/ckode/sonzotelnet/internal/server"
	"github.com/ckode/sonzotelnet/internal/telnet"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = built-in defaults")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	var scripts *scripting.Registry
	if cfg.Chat.ScriptsDir != "" {
		scripts = scripting.NewRegistry(logger, 0)
		if err := scripts.LoadDir(cfg.Chat.ScriptsDir); err != nil {
			logger.Fatal("loading chat command scripts", zap.Error(err))
		}
	}

	chatSrv := chat.New(logger, scripts, cfg.Chat.CensusInterval)

	telnetSrv, err := telnet.NewServer(cfg.Telnet, chatSrv, logger)
	if err != nil {
		logger.Fatal("creating telnet server", zap.Error(err))
	}
	chatSrv.Bind(telnetSrv)

	logger.Info("sonzo chat server starting",
		zap.String("addr", cfg.Telnet.Addr()),
		zap.Duration("startup", time.Since(start)),
	)

	// Services stop in reverse order: the telnet loop goes down before the
	// script VM it dispatches into.
	lifecycle := server.NewLifecycle(logger)
	if scripts != nil {
		lifecycle.Add("scripting", &server.FuncService{
			StopFn: scripts.Close,
		})
	}
	lifecycle.Add("telnet", &server.FuncService{
		StartFn: telnetSrv.ListenAndServe,
		StopFn:  telnetSrv.Stop,
	})

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Error("server exited with error", zap.Error(err))
	}
}
