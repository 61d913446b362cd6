package cli

import (
	"context"
	"log/slog"

	"github.com/GriffinCanCode/runwatch/internal/archive"
	"github.com/GriffinCanCode/runwatch/internal/capture"
	"github.com/GriffinCanCode/runwatch/internal/config"
	"github.com/GriffinCanCode/runwatch/internal/events"
	"github.com/GriffinCanCode/runwatch/internal/metrics"
	"github.com/GriffinCanCode/runwatch/internal/notify"
	"github.com/GriffinCanCode/runwatch/internal/ocr"
	"github.com/GriffinCanCode/runwatch/internal/runstate"
	"github.com/GriffinCanCode/runwatch/internal/stream"
)

// closers runs cleanup functions in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}
}

func newStatusSource(cfg *config.Config) *stream.TwitchClient {
	return stream.NewTwitchClient(stream.TwitchConfig{
		ClientID:      cfg.Stream.ClientID,
		ClientSecret:  cfg.Stream.ClientSecret,
		Channel:       cfg.Stream.Channel,
		RatePerMinute: cfg.Stream.RatePerMinute,
	})
}

// openStore opens the configured run state backend.
func openStore(ctx context.Context, cfg *config.Config, cl *closers) (runstate.Store, error) {
	switch cfg.State.Backend {
	case config.StateRedis:
		s, err := runstate.NewRedisStore(ctx, runstate.RedisOptions{
			Addr:     cfg.State.RedisAddr,
			Password: cfg.State.RedisPassword,
			DB:       cfg.State.RedisDB,
			Key:      cfg.State.RedisKey,
		})
		if err != nil {
			return nil, err
		}
		cl.add(s.Close)
		return s, nil
	case config.StateDynamo:
		return runstate.NewDynamoStore(ctx, runstate.DynamoOptions{
			TableName: cfg.State.DynamoTable,
			Region:    cfg.AWS.Region,
			Endpoint:  cfg.AWS.Endpoint,
		})
	default:
		return runstate.NewFileStore(cfg.State.Path), nil
	}
}

// newRecognizer builds the OCR backend wrapped in the crop/preprocess stage.
func newRecognizer(cfg *config.Config, m *metrics.Metrics, cl *closers) (*ocr.Processor, error) {
	var backend ocr.Recognizer
	switch cfg.OCR.Backend {
	case config.OCRGRPC:
		c, err := ocr.NewGRPCClient(cfg.OCR.Addr)
		if err != nil {
			return nil, err
		}
		if m != nil {
			c.Breaker().WithHook(m.BreakerHook())
		}
		cl.add(c.Close)
		backend = c
	default:
		backend = ocr.NewTesseract(cfg.OCR.TesseractBin)
	}
	return ocr.NewProcessor(backend, ocr.PreprocessOptions{
		Region:    ocr.Region(cfg.OCR.Region),
		Scale:     cfg.OCR.Scale,
		Threshold: uint8(cfg.OCR.Threshold),
	}), nil
}

func newCapturer(cfg *config.Config, cl *closers) *capture.StreamCapturer {
	c := capture.New(capture.Options{
		Channel:   cfg.Stream.Channel,
		YtDlpBin:  cfg.Capture.YtDlpBin,
		FFmpegBin: cfg.Capture.FFmpegBin,
	})
	cl.add(func() error { c.Close(); return nil })
	return c
}

// newNotifier fans out to every configured channel.
func newNotifier(cfg *config.Config) notify.Multi {
	var out notify.Multi
	for _, ch := range cfg.Notify.Channels {
		switch ch {
		case config.ChannelX:
			out = append(out, notify.Named{Name: ch, Notifier: notify.NewXClient(notify.XConfig{
				ConsumerKey:    cfg.Notify.XConsumerKey,
				ConsumerSecret: cfg.Notify.XConsumerSecret,
				AccessToken:    cfg.Notify.XAccessToken,
				AccessSecret:   cfg.Notify.XAccessSecret,
			})})
		case config.ChannelPushover:
			out = append(out, notify.Named{Name: ch, Notifier: notify.NewPushover(notify.PushoverConfig{
				UserKey:  cfg.Notify.PushoverUserKey,
				AppToken: cfg.Notify.PushoverAppToken,
				Title:    "runwatch: " + cfg.Stream.Channel,
			})})
		}
	}
	return out
}

// newArchiver returns Nop when no bucket is configured. The archive is
// evidence only, so a setup failure degrades to Nop with a warning.
func newArchiver(ctx context.Context, cfg *config.Config) archive.Archiver {
	if cfg.Archive.Bucket == "" {
		return archive.Nop{}
	}
	a, err := archive.NewS3Archiver(ctx, archive.Config{
		Bucket:          cfg.Archive.Bucket,
		Prefix:          cfg.Archive.Prefix,
		Region:          cfg.AWS.Region,
		Endpoint:        cfg.Archive.Endpoint,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		UsePathStyle:    cfg.Archive.UsePathStyle,
	})
	if err != nil {
		slog.Warn("frame archive disabled", "bucket", cfg.Archive.Bucket, "error", err)
		return archive.Nop{}
	}
	return a
}

// newPublisher returns Nop when NATS is not configured or unreachable.
func newPublisher(cfg *config.Config, cl *closers) events.Publisher {
	if cfg.Events.NATSURL == "" {
		return events.Nop{}
	}
	p, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject)
	if err != nil {
		slog.Warn("event publishing disabled", "url", cfg.Events.NATSURL, "error", err)
		return events.Nop{}
	}
	cl.add(p.Close)
	return p
}
