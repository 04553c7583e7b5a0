package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"obfsbridge/internal/config"
	"obfsbridge/internal/logging"
	"obfsbridge/internal/metrics"
	"obfsbridge/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	payloadHex := flag.String("payload", "", "Hex payload to send once; the response is printed as hex")
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for the response to -payload")
	flag.Parse()

	var payload []byte
	if *payloadHex != "" {
		var err error
		if payload, err = hex.DecodeString(*payloadHex); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -payload: %v\n", err)
			os.Exit(2)
		}
	}

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	defer reloader.Close()
	cfg := reloader.Get()
	logger := logging.Configure(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error().Err(err).Str("listen", cfg.Metrics.Listen).Msg("metrics endpoint failed")
			}
		}()
	}

	restartCh := make(chan *config.Config, 1)
	reloader.Watch(func(_, next *config.Config) {
		select {
		case restartCh <- next:
		default:
		}
	})

	runCtx, runCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go runBridge(runCtx, logger, cfg, payload, *timeout, errCh)

	for {
		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return
		case next := <-restartCh:
			logger = logging.Configure(next.Logging)
			logger.Info().Msg("config reloaded: restarting transport with updated settings")
			runCancel()
			<-errCh
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go runBridge(runCtx, logger, next, payload, *timeout, errCh)
		case err := <-errCh:
			runCancel()
			if err != nil {
				logger.Error().Err(err).Msg("bridge failed")
				os.Exit(1)
			}
			if payload != nil {
				return
			}
			// A daemon run only ends on its own when its transport died.
			runCtx, runCancel = context.WithCancel(ctx)
			errCh = make(chan error, 1)
			go runBridge(runCtx, logger, reloader.Get(), payload, *timeout, errCh)
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

// runBridge keeps one transport alive until ctx ends. With a payload it sends
// it in bootstrap mode, prints the response and returns.
func runBridge(ctx context.Context, logger zerolog.Logger, cfg *config.Config, payload []byte, timeout time.Duration, errCh chan<- error) {
	errCh <- bridge(ctx, logger, cfg, payload, timeout)
}

func bridge(ctx context.Context, logger zerolog.Logger, cfg *config.Config, payload []byte, timeout time.Duration) error {
	tc, err := cfg.TransportConfig()
	if err != nil {
		return err
	}
	t, err := transport.New(tc,
		transport.WithLogger(logger),
		transport.WithAutoReconnect(cfg.AutoReconnect()),
	)
	if err != nil {
		return err
	}
	defer func() {
		t.Destroy()
		<-t.Done()
	}()

	if payload == nil {
		select {
		case <-ctx.Done():
		case <-t.Done():
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := t.Send(payload).Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("request to %s: %w", tc.Address, err)
	}
	logger.Debug().Int("len", len(resp)).Msg("response received")
	fmt.Println(hex.EncodeToString(resp))
	return nil
}
