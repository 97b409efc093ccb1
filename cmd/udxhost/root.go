package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"UDX/pkg/eventloop"
	"UDX/pkg/udxconfig"
	"UDX/pkg/udxstack"
)

var (
	cfgFile  string
	logLevel string
	bindAddr string

	// set during PersistentPreRunE
	cfg *udxconfig.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "udxhost",
	Short: "Reliable multiplexed streams over UDP",
	Long: `udxhost binds a UDP socket and runs UDX streams on it. Streams are
identified by a 32-bit id on each side and are connected by naming the
peer's address and stream id.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = udxconfig.Load(cfgFile)
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if bindAddr != "" {
			cfg.Bind = bindAddr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log, err = cfg.NewLogger()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&bindAddr, "bind", "", "local UDP address (overrides config)")
}

// interactiveGrace bounds how long repl and dashboard wait for open streams
// on exit.
const interactiveGrace = 2 * time.Second

// host is a bound socket running on its own loop.
type host struct {
	loop *eventloop.Loop
	sock *udxstack.Socket
	opts *udxstack.Options
	stop context.CancelFunc
}

func startHost(ctx context.Context) (*host, error) {
	addr, err := cfg.BindAddr()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &host{
		loop: eventloop.New(log),
		opts: cfg.Options(log),
		stop: cancel,
	}
	go func() {
		if err := h.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("loop stopped", zap.Error(err))
		}
	}()

	var berr error
	if err := h.loop.Do(func() {
		h.sock = udxstack.NewSocket(h.loop, h.opts)
		berr = h.sock.Bind(addr)
	}); err != nil {
		cancel()
		return nil, err
	}
	if berr != nil {
		cancel()
		return nil, berr
	}
	log.Info("socket bound", zap.Stringer("addr", h.sock.LocalAddr()))
	return h, nil
}

// shutdown closes the socket, waiting up to timeout for its streams to
// finish gracefully before destroying the rest, then stops the loop.
func (h *host) shutdown(timeout time.Duration) {
	defer h.stop()
	done := make(chan error, 1)
	err := h.loop.Do(func() {
		if err := h.sock.Close(func(err error) { done <- err }); err != nil {
			done <- err
		}
	})
	if err != nil {
		return
	}
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, udxstack.ErrSocketClosed) {
			log.Warn("socket close", zap.Error(err))
		}
	case <-time.After(timeout):
		log.Warn("socket close timed out, destroying streams")
		_ = h.loop.Do(func() {
			for _, s := range h.sock.Streams() {
				s.Destroy(nil)
			}
		})
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
