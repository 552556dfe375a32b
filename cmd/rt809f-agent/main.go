// RT809F Agent - simulated RT809F programmer for the bridge
//
// The agent connects to the bridge device endpoint as one device and
// answers commands with an in-memory RT809F simulator. It is used for
// local development and end-to-end checks of a deployed bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/rt809f-bridge/internal/agent"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/config"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/logging"
)

var version = "dev"

type options struct {
	bridgeURL string
	deviceID  string
	apiKey    string
	token     string
	echo      bool
	latency   time.Duration
	flashSize int
	logLevel  string
	logFormat string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "rt809f-agent",
		Short: "Simulated RT809F programmer",
		Long: "Connects to an RT809F bridge as a device and answers commands " +
			"(detect_chip, read_flash, READ_CHIP, write_flash, get_device_info, " +
			"list_supported_chips) from an in-memory simulator.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.bridgeURL, "bridge", "b", envOr("RT809F_BRIDGE_URL", "http://localhost:8080"), "bridge base URL")
	f.StringVarP(&opts.deviceID, "device", "d", envOr("RT809F_DEVICE_ID", "rt809f_001"), "device ID to register as")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv("API_KEY"), "bridge API key (or API_KEY)")
	f.StringVar(&opts.token, "token", os.Getenv("RT809F_DEVICE_TOKEN"), "device token, preferred over the API key")
	f.BoolVar(&opts.echo, "echo", false, "return every payload verbatim")
	f.DurationVar(&opts.latency, "latency", 0, "delay added to every command")
	f.IntVar(&opts.flashSize, "flash-size", 0, "simulated flash size in bytes (default 64KiB)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	return cmd
}

func runAgent(ctx context.Context, opts *options) error {
	log := logging.NewWithWriter(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: opts.logFormat,
	}, version, os.Stderr).With("device_id", opts.deviceID)

	sim := agent.NewSimulator(opts.deviceID, agent.SimulatorOptions{
		Latency:   opts.latency,
		Echo:      opts.echo,
		FlashSize: opts.flashSize,
	})

	client, err := agent.NewClient(agent.Config{
		BridgeURL: opts.bridgeURL,
		DeviceID:  opts.deviceID,
		APIKey:    opts.apiKey,
		Token:     opts.token,
	}, sim)
	if err != nil {
		return err
	}
	client.SetLogger(log)

	log.Info("agent starting", "bridge", opts.bridgeURL, "echo", opts.echo)
	err = client.Run(ctx)
	log.Info("agent stopped", "commands", client.CommandsHandled())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
