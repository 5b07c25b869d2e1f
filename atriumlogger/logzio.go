package atriumlogger // import "github.com/atriumhq/atrium/atriumlogger"

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/atriumhq/atrium/utils"
	"github.com/logzio/logzio-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logzioCore is a custom zapcore.Core that ships every entry to Logz.io.
type logzioCore struct {
	// enabler decides whether the entry should be logged or not, according
	// to its level.
	enabler zapcore.LevelEnabler
	// encoder is responsible for marshalling the entry to the desired
	// format.
	encoder zapcore.Encoder
	// sender is the client used to send the events to Logz.io.
	sender *logzio.LogzioSender
	// senderLock protects the queue used by the Logz.io client.
	senderLock *sync.Mutex
}

// The single Logz.io sender for this process, kept so Close() can drain it.
var logzioSender *logzio.LogzioSender

// newLogzioCore initializes the Logz.io shipper and returns a core for it.
// Returns nil when shipping is not configured or we're not in a deployed
// environment.
func newLogzioCore(serviceName string, levelEnab zapcore.LevelEnabler) zapcore.Core {
	if !usingProdLogging() {
		return nil
	}

	logzioShippingToken := os.Getenv("LOGZIO_SHIPPING_TOKEN")
	if logzioShippingToken == "" {
		return nil
	}

	sender, err := logzio.New(
		logzioShippingToken,
		logzio.SetUrl("https://listener.logz.io:8071"),
		logzio.SetDrainDuration(time.Second*3),
		logzio.SetCheckDiskSpace(false),
	)
	if err != nil {
		log.Printf("Couldn't create logz.io sender: %s", err)
		return nil
	}
	logzioSender = sender

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.LevelKey = "type"
	encoderConfig.MessageKey = "message"
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	encoder.AddString("service", serviceName)

	return &logzioCore{
		enabler:    levelEnab,
		encoder:    encoder,
		sender:     sender,
		senderLock: &sync.Mutex{},
	}
}

// Enabled is used to check whether the event should be logged or not,
// depending on its level.
func (lc *logzioCore) Enabled(level zapcore.Level) bool {
	return lc.enabler.Enabled(level)
}

// With adds the fields defined in the configuration to the core.
func (lc *logzioCore) With(fields []zapcore.Field) zapcore.Core {
	core := &logzioCore{
		enabler:    lc.enabler,
		encoder:    lc.encoder.Clone(),
		sender:     lc.sender,
		senderLock: lc.senderLock,
	}

	for i := range fields {
		fields[i].AddTo(core.encoder)
	}

	return core
}

// Check will add the current entry (event) to the core, which will send it
// to Logz.io on Write.
func (lc *logzioCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if lc.Enabled(ent.Level) {
		return ce.AddCore(ent, lc)
	}
	return ce
}

// Write is where the core sends the event payload to Logz.io.
func (lc *logzioCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	lc.senderLock.Lock()
	defer lc.senderLock.Unlock()

	buf, err := lc.encoder.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	err = lc.sender.Send(buf.Bytes())
	buf.Free()
	if err != nil {
		return utils.MakeError("couldn't ship payload to logz.io: %s", err)
	}
	if ent.Level > zapcore.ErrorLevel {
		// Since we may be crashing the program, sync the output.
		return lc.Sync()
	}
	return nil
}

// Sync drains the queue.
func (lc *logzioCore) Sync() error {
	lc.senderLock.Lock()
	defer lc.senderLock.Unlock()
	return lc.sender.Sync()
}

// flushLogzio drains the Logz.io queue if shipping is enabled.
func flushLogzio() {
	if logzioSender != nil {
		logzioSender.Drain()
	}
}
