/*
The Atrium Relay-Service bridges Telegram and agentboxes. It terminates
the bot's webhook, approves pairing codes sent via /start deep links, and
relays paired chats' messages to the owning instance's chat endpoint,
translating every failure along the way into a human-readable reply.

It shares the database with the host-service but never touches the
container engine: by the time a message arrives here, the host-service
has already made the instance reachable (or recorded why it isn't).
*/
package main

import (
	// NOTE: The "fmt" or "log" packages should never be imported!!! This is
	// so that we never forget to ship a message to our log aggregators.
	// Instead, use the atriumlogger package imported below as `logger`.

	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/atriumhq/atrium/dbdriver"
	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

func main() {
	logger.Initialize("relay-service")

	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := sync.WaitGroup{}

	var dbClient *dbdriver.Client
	defer func() {
		if r := recover(); r != nil {
			logger.Infof("Shutting down relay service after caught panic in main(): %v", r)
		} else {
			logger.Infof("Beginning relay service shutdown procedure...")
		}

		globalCancel()

		if !utils.WaitWithTimeout(&goroutineTracker, time.Minute) {
			logger.Errorf("Goroutines did not finish within the shutdown window.")
		}

		if dbClient != nil {
			dbClient.Close()
		}

		logger.Info("Finished relay service shutdown procedure. Finally exiting...")
		logger.Close()
		os.Exit(0)
	}()

	var err error
	dbClient, err = dbdriver.Connect(globalCtx, metadata.GetDatabaseURL())
	if err != nil {
		logger.Panic(globalCancel, err)
		return
	}

	bot, err := tgbotapi.NewBotAPI(metadata.GetTelegramBotToken())
	if err != nil {
		logger.Panic(globalCancel, utils.MakeError("couldn't initialize Telegram bot: %s", err))
		return
	}
	logger.Infof("Authorized Telegram bot @%s", bot.Self.UserName)

	router := NewRouter(dbClient, newTelegramSender(bot))

	StartWebhookServer(globalCtx, globalCancel, &goroutineTracker, router)

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		dbClient.HeartbeatGoroutine(globalCtx)
	}()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
	}
}
