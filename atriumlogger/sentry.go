package atriumlogger // import "github.com/atriumhq/atrium/atriumlogger"

import (
	"log"
	"os"
	"reflect"
	"time"

	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/utils"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// sentryCore is a custom zapcore.Core that ships error-level entries to
// Sentry.
type sentryCore struct {
	// enabler decides whether the entry should be logged or not, according
	// to its level.
	enabler zapcore.LevelEnabler
	// sender is the client used to send the events to Sentry.
	sender *sentry.Client
}

// newSentryCore initializes the Sentry client and returns a core for it.
// Returns nil when Sentry is not configured or we're not in a deployed
// environment.
func newSentryCore(serviceName string, levelEnab zapcore.LevelEnabler) zapcore.Core {
	if !usingProdLogging() {
		return nil
	}

	sentryDsn := os.Getenv("SENTRY_DSN")
	if sentryDsn == "" {
		return nil
	}

	sender, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         sentryDsn,
		Environment: string(metadata.GetAppEnvironment()),
		ServerName:  serviceName,
	})
	if err != nil {
		log.Printf("Error starting Sentry client: %s", err)
		return nil
	}

	return &sentryCore{
		enabler: levelEnab,
		sender:  sender,
	}
}

// Enabled is used to check whether the event should be logged or not,
// depending on its level.
func (sc *sentryCore) Enabled(level zapcore.Level) bool {
	return sc.enabler.Enabled(level)
}

// With adds the fields defined in the configuration to the core.
func (sc *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	return &sentryCore{
		enabler: sc.enabler,
		sender:  sc.sender,
	}
}

// Check will add the current entry (event) to the core, which will send it
// to Sentry on Write.
func (sc *sentryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if sc.Enabled(ent.Level) {
		return ce.AddCore(ent, sc)
	}
	return ce
}

// Write is where the core sends the event payload to Sentry. We assemble
// Sentry events manually so stack traces come through correctly.
func (sc *sentryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	err := utils.MakeError(ent.Message)
	event := sentry.NewEvent()
	event.Level = sentry.Level(ent.Level.String())
	event.Exception = append(event.Exception, sentry.Exception{
		Value:      ent.Message,
		Type:       reflect.TypeOf(err).String(),
		Stacktrace: sentry.ExtractStacktrace(err),
	})
	event.Timestamp = ent.Time

	sc.sender.CaptureEvent(event, &sentry.EventHint{OriginalException: err}, sentry.CurrentHub().Scope())
	return nil
}

// Sync will send all events to Sentry and flush the queue.
func (sc *sentryCore) Sync() error {
	if ok := sc.sender.Flush(5 * time.Second); !ok {
		return utils.MakeError("failed to flush Sentry, some events may not have been sent")
	}
	return nil
}

// flushSentry flushes events in the global Sentry queue.
func flushSentry() {
	sentry.Flush(5 * time.Second)
}
