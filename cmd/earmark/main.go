// Command earmark records speech from a local microphone and stops when the
// speaker has finished talking.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earmark/internal/app"
	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/detector"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/pkg/audio/portaudio"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliFlags are the persistent flags shared by every command.
type cliFlags struct {
	configPath string
	quiet      bool
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "earmark",
		Short:         "Record speech until the speaker stops talking",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `earmark captures microphone audio, watches it with a voice activity
detector and stops once the speaker has been silent long enough. The
utterance is written to a 16-bit WAV file and optionally transcribed.

Commands:
  record   - record a single utterance
  listen   - record utterances back to back, reloading the config on change
  capture  - record for a fixed duration without detection
  devices  - list audio input devices`,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to the YAML configuration file (built-in defaults when empty)")
	root.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "do not print the live detector status line")

	root.AddCommand(
		newRecordCmd(flags),
		newListenCmd(flags),
		newCaptureCmd(flags),
		newDevicesCmd(),
	)
	return root
}

// ─── commands ────────────────────────────────────────────────────────────────

func newRecordCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "Record one utterance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd.Context(), flags, nil, func(ctx context.Context, a *app.App) error {
				res, err := a.Record(ctx)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

func newCaptureCmd(flags *cliFlags) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record for a fixed duration at the device's default rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd.Context(), flags, nil, func(ctx context.Context, a *app.App) error {
				res, err := a.Capture(ctx, duration)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long to record")
	return cmd
}

func newListenCmd(flags *cliFlags) *cobra.Command {
	var reloadInterval time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Record utterances back to back until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			onResult := func(res session.Result) { printResult(out, res) }
			return runWithApp(cmd.Context(), flags, onResult, func(ctx context.Context, a *app.App) error {
				if flags.configPath == "" {
					return a.Listen(ctx)
				}
				w, err := config.NewWatcher(flags.configPath, a.Reload, config.WithInterval(reloadInterval))
				if err != nil {
					return err
				}
				return a.Listen(ctx, w.Run)
			})
		},
	}
	cmd.Flags().DurationVar(&reloadInterval, "reload-interval", 5*time.Second, "how often to check the config file for changes")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := portaudio.New()
			if err != nil {
				return err
			}
			defer src.Close()

			devices, err := portaudio.ListDevices()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\tNAME\tHOST API\tCHANNELS\tDEFAULT RATE")
			for _, d := range devices {
				marker := ""
				if d.Default {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.0f\n", marker, d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate)
			}
			return tw.Flush()
		},
	}
}

// ─── application lifecycle ───────────────────────────────────────────────────

// runWithApp loads the config, builds the providers and the application,
// runs fn under a signal-aware context and shuts everything down afterwards.
func runWithApp(parent context.Context, flags *cliFlags, onResult func(session.Result), fn func(context.Context, *app.App) error) error {
	if parent == nil {
		parent = context.Background()
	}
	level := newLogger()

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earmark: config file %q not found, run without --config for built-in defaults\n", flags.configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earmark: %v\n", err)
		}
		return err
	}
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("earmark starting",
		"version", version,
		"config", flags.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return err
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		_ = tel.Shutdown(context.Background())
		return err
	}
	if c, ok := providers.Capture.(io.Closer); ok {
		defer c.Close()
	}

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithTelemetry(tel),
		app.WithLogLevel(level),
	}
	var line *statusLine
	if !flags.quiet {
		line = &statusLine{w: os.Stderr}
		opts = append(opts, app.WithObserver(line.Print))
	}
	if onResult != nil {
		opts = append(opts, app.WithResultHandler(func(res session.Result) {
			line.Clear()
			onResult(res)
		}))
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = tel.Shutdown(context.Background())
		return err
	}

	runErr := fn(ctx, application)
	line.Clear()
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	slog.Debug("goodbye")
	return runErr
}

// loadConfig reads path, or returns the built-in defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger installs a text logger on stderr as the slog default and returns
// its level so it can follow the config.
func newLogger() *slog.LevelVar {
	level := new(slog.LevelVar)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return level
}

// ─── output ──────────────────────────────────────────────────────────────────

// statusLine rewrites a single terminal line with the latest detector
// snapshot. A nil *statusLine is a no-op.
type statusLine struct {
	w io.Writer

	mu      sync.Mutex
	printed bool
}

// Print implements detector.Observer.
func (l *statusLine) Print(s detector.Snapshot) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "\r\x1b[2K%-14s p=%.2f buffered=%5.1fs", s.State, s.Probability, s.BufferedSeconds)
	l.printed = true
}

// Clear erases the status line if anything was printed.
func (l *statusLine) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.printed {
		return
	}
	fmt.Fprint(l.w, "\r\x1b[2K")
	l.printed = false
}

func printResult(w io.Writer, res session.Result) {
	if res.Sink.Path != "" {
		fmt.Fprintf(w, "wrote %s (%d samples, %s)\n", res.Sink.Path, res.Samples, res.Duration.Round(time.Millisecond))
	}
	if res.Text != "" {
		fmt.Fprintln(w, res.Text)
	}
	if err := res.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "earmark: %v\n", err)
	}
}
