package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// PortToListen is the port the relay-service webhook listener binds.
// Telegram reaches it through the edge proxy.
const PortToListen uint16 = 4679

// webhookSecretHeader is the header Telegram echoes back on every
// delivery when the webhook was registered with a secret token.
const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// processWebhook handles one Telegram update delivery. Telegram retries
// deliveries that don't return 2xx, so once the secret checks out we
// ALWAYS return 200: a failure while routing is ours to log and absorb,
// not Telegram's to redeliver (the user already got a fallback reply, and
// a retry storm helps nobody).
func processWebhook(router *Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if secret := metadata.GetTelegramWebhookSecret(); secret != "" {
			provided := r.Header.Get(webhookSecretHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			logger.Warningf("Couldn't decode webhook delivery: %s", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		// Routing happens off the webhook goroutine so a slow agent round
		// trip never delays the 200.
		go router.HandleUpdate(context.Background(), update)
		w.WriteHeader(http.StatusOK)
	}
}

// StartWebhookServer starts the HTTP listener for Telegram deliveries and
// shuts it down when the global context is cancelled.
func StartWebhookServer(globalCtx context.Context, globalCancel context.CancelFunc, goroutineTracker *sync.WaitGroup, router *Router) {
	logger.Info("Setting up webhook server.")

	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/webhook/telegram", processWebhook(router))

	server := &http.Server{
		Addr:    utils.Sprintf("0.0.0.0:%v", PortToListen),
		Handler: mux,
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		goroutineTracker.Add(1)
		go func() {
			defer goroutineTracker.Done()

			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Panicf(globalCancel, "Error listening and serving in webhook server: %s", err)
			}
		}()

		<-globalCtx.Done()

		logger.Infof("Shutting down webhook server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Shut down webhook server with error %s", err)
		} else {
			logger.Info("Gracefully shut down webhook server.")
		}
	}()
}
