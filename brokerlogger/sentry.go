package brokerlogger // import "github.com/osworld-broker/broker/brokerlogger"

import (
	"log"
	"os"
	"reflect"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/osworld-broker/broker/metadata"
	"github.com/osworld-broker/broker/utils"
	"go.uber.org/zap/zapcore"
)

// sentryCore is a custom core that sends output to Sentry
type sentryCore struct {
	// enabler decides whether the entry should be logged or not,
	// according to its level.
	enabler zapcore.LevelEnabler
	// encoder is responsible for marshalling the entry to the desired format.
	encoder zapcore.Encoder
	// sender is the client used to send the events to Sentry.
	sender *sentry.Client
}

// newSentryCore will initialize the Sentry client and necessary fields. It
// returns nil when the integration is not configured, in which case the core
// is simply left out of the tee.
func newSentryCore(encoder zapcore.Encoder, levelEnab zapcore.LevelEnabler) zapcore.Core {
	if !usingProdLogging() {
		log.Print("Not setting up Sentry.")
		return nil
	}

	sentryDsn := os.Getenv("SENTRY_DSN")
	if sentryDsn == "" {
		log.Print("Not setting up Sentry: SENTRY_DSN is uninitialized.")
		return nil
	}

	sender, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         sentryDsn,
		Environment: string(metadata.GetAppEnvironment()),
	})
	if err != nil {
		log.Printf("Error starting Sentry client: %s", err)
		return nil
	}

	sc := &sentryCore{}
	sc.encoder = encoder
	sc.enabler = levelEnab
	sc.sender = sender

	return sc
}

// newSentryEncoderConfig returns a configuration that is appropriate for
// using with Sentry.
func newSentryEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "type",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Enabled is used to check whether the event should be logged
// or not, depending on its level.
func (sc *sentryCore) Enabled(level zapcore.Level) bool {
	return sc.enabler.Enabled(level)
}

// With adds the fields defined in the configuration to the core.
func (sc *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	core := &sentryCore{
		enabler: sc.enabler,
		encoder: sc.encoder.Clone(),
		sender:  sc.sender,
	}

	for i := range fields {
		fields[i].AddTo(core.encoder)
	}

	return core
}

// Check will add the current entry (event) to the core, which in the future
// will send it to Sentry.
func (sc *sentryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if sc.Enabled(ent.Level) {
		return ce.AddCore(ent, sc)
	}
	return ce
}

// Write is where the core sends the event payload to Sentry. This method
// will manually assemble Sentry events so that they are sent correctly.
func (sc *sentryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	// Write to Sentry
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
	// Flush sentry
	ok := sc.sender.Flush(5 * time.Second)
	if !ok {
		return utils.MakeError("failed to flush Sentry, some events may not have been sent.")
	}

	return nil
}

// FlushSentry flushes events in the Sentry queue
func FlushSentry() {
	sentry.Flush(5 * time.Second)
}
