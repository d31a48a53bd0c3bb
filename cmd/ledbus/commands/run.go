package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/display"
	"periph.io/x/extra/devices/screen"

	"github.com/FastLED/FastLED-sub016/internal/app"
	"github.com/FastLED/FastLED-sub016/internal/config"
	"github.com/FastLED/FastLED-sub016/internal/monitor"
)

type runFlags struct {
	fps       int
	platform  string
	pattern   string
	addr      string
	exclusive string
	console   bool
	duration  time.Duration
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the configured strips until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			return run(cmd.Context(), cfg, f)
		},
	}
	cmd.Flags().IntVar(&f.fps, "fps", 0, "frames per second (overrides the config)")
	cmd.Flags().StringVar(&f.platform, "platform", "", "host, or a simulated profile: sim, esp32, esp32s3, esp32c3, esp32p4, rp2040")
	cmd.Flags().StringVar(&f.pattern, "pattern", "", "test pattern: index_sweep, rgb_channels, strip_id, solid, rainbow")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address for /health and /diag")
	cmd.Flags().StringVar(&f.exclusive, "exclusive", "", "use only this engine")
	cmd.Flags().BoolVar(&f.console, "console", false, "mirror every strip to the terminal")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// apply lets explicitly set flags override the file.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("fps") {
		cfg.FPS = f.fps
	}
	if fl.Changed("platform") {
		cfg.Platform = f.platform
	}
	if fl.Changed("pattern") {
		cfg.Pattern = f.pattern
	}
	if fl.Changed("addr") {
		cfg.Monitor.Addr = f.addr
	}
	if fl.Changed("exclusive") {
		cfg.Exclusive = f.exclusive
	}
}

func run(ctx context.Context, cfg *config.Config, f *runFlags) error {
	var opts app.Options
	if f.console {
		opts.Mirror = func(ch config.Channel) display.Drawer { return screen.New(ch.Leds) }
	}
	sys, err := app.Build(cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	mon := monitor.New(sys.Router, sys.Buses, sys.Driver)
	sys.Driver.OnError = mon.FrameError
	go mon.Watch(ctx, 250*time.Millisecond)

	if cfg.Monitor.Addr != "" {
		srv := &http.Server{
			Addr:         cfg.Monitor.Addr,
			Handler:      mon.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Monitor.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server stopped")
			}
		}()
		defer srv.Close()
	}

	log.Info().Str("platform", sys.Table.Name).Int("fps", cfg.FPS).Int("engines", sys.Router.Len()).
		Int("channels", sys.List.Len()).Msg("running")
	err = sys.Driver.Run(ctx)
	st := sys.Driver.Stats()
	log.Info().Uint64("frames", st.Frames).Uint64("dropped", st.Dropped).Uint64("no_engine", st.NoEngine).Msg("stopped")
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
