package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"deaddrop/internal/config"
	"deaddrop/internal/models"
	"deaddrop/internal/privacy"
	"deaddrop/internal/service"
	"deaddrop/internal/transport"
	"deaddrop/internal/vault"
	"deaddrop/pkg/envelope"
	"deaddrop/pkg/relayclient"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "deaddrop.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("deaddrop %s\nBuild Time: %s\n", Version, BuildTime)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop); err != nil {
		logrus.Fatalf("Client error: %v", err)
	}
}

func run(ctx context.Context, stop context.CancelFunc) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"version": Version,
		"me":      privacy.MaskIdentity(cfg.Identity.MyID),
		"peer":    privacy.MaskIdentity(cfg.Identity.PeerID),
	}).Info("Starting deaddrop client")

	key := envelope.DeriveKey(cfg.Identity.SharedSecret, cfg.Identity.MyID, cfg.Identity.PeerID)

	v, err := vault.New(cfg.Vault.Dir, key, logger)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	relayAPI := relayclient.NewClient(cfg.Relay.BaseURL, nil, logger)
	if err := relayAPI.Register(ctx, &models.Presence{ID: cfg.Identity.MyID}); err != nil {
		// Registration is best effort; the mailbox works without it.
		logger.WithError(err).Warn("Presence registration failed")
	}

	cmCfg := service.DefaultConnectionManagerConfig()
	if cfg.Transport.HeartbeatIntervalSec > 0 {
		cmCfg.HeartbeatInterval = time.Duration(cfg.Transport.HeartbeatIntervalSec) * time.Second
	}
	if cfg.Transport.LivenessTimeoutSec > 0 {
		cmCfg.LivenessTimeout = time.Duration(cfg.Transport.LivenessTimeoutSec) * time.Second
	}
	if cfg.Transport.DialTimeoutSec > 0 {
		cmCfg.DialTimeout = time.Duration(cfg.Transport.DialTimeoutSec) * time.Second
	}

	var cm *service.ConnectionManager
	if cfg.Transport.RendezvousURL != "" {
		dialer := transport.NewWebSocketDialer(cfg.Transport.RendezvousURL, cfg.Identity.MyID, cmCfg.DialTimeout, logger)
		cm = service.NewConnectionManager(cfg.Identity.MyID, cfg.Identity.PeerID, dialer, cmCfg, logger)
	} else {
		// Relay-only mode. The manager never dials, so the pipeline always
		// takes the fallback path.
		cm = service.NewConnectionManager(cfg.Identity.MyID, cfg.Identity.PeerID, nopDialer{}, cmCfg, logger)
		cm.Unlink()
	}

	pipeline, err := service.NewDeliveryPipeline(cfg.Identity.MyID, cfg.Identity.PeerID, key, cm, relayAPI, v, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	pipeline.OnControl(func(command string) {
		logger.WithField("command", command).Warn("Shutting down after control command")
		stop()
	})

	poller := service.NewRelayPoller(cfg.Identity.MyID, relayAPI, pipeline,
		cfg.Relay.LongPoll, time.Duration(cfg.Relay.PollIntervalSec)*time.Second, logger)

	go cm.Run(ctx)
	go poller.Run(ctx)
	go printMessages(ctx, pipeline)
	go readInput(ctx, pipeline, logger)

	<-ctx.Done()
	logger.Info("Shutting down")
	cm.Unlink()
	return nil
}

// printMessages writes delivered messages to stdout, one per line.
func printMessages(ctx context.Context, pipeline *service.DeliveryPipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pipeline.Messages():
			if !ok {
				return
			}
			ts := time.UnixMilli(msg.CreatedAt).Format(time.RFC3339)
			fmt.Printf("[%s] %s: %s\n", ts, msg.SenderID, msg.Body)
		}
	}
}

// readInput treats each stdin line as an outbound text message.
func readInput(ctx context.Context, pipeline *service.DeliveryPipeline, logger *logrus.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := pipeline.Send(ctx, line, models.MessageKindText); err != nil {
			logger.WithError(err).Error("Failed to submit message")
		}
	}
}

type nopDialer struct{}

func (nopDialer) Dial(ctx context.Context, peerID string) (transport.Transport, error) {
	return nil, fmt.Errorf("direct transport disabled")
}
