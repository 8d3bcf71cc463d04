package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/kahiteam/exofork/internal/config"
	"github.com/kahiteam/exofork/internal/events"
	"github.com/kahiteam/exofork/internal/kern"
	"github.com/kahiteam/exofork/internal/logging"
	"github.com/kahiteam/exofork/internal/metrics"
	"github.com/kahiteam/exofork/internal/progs"
	"github.com/kahiteam/exofork/internal/ulib"
	"github.com/kahiteam/exofork/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	configPath string
	listen     string
	dump       bool
	serve      bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel and run the configured programs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runKernel(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.configPath, "config", "c", "", "config file (default: $EXOFORK_CONFIG, ./exofork.toml, /etc/exofork/exofork.toml)")
	runCmd.Flags().StringVar(&runOpts.listen, "listen", "", "serve metrics on this address, overriding [metrics] listen")
	runCmd.Flags().BoolVar(&runOpts.dump, "dump", false, "print every environment's mappings as it exits")
	runCmd.Flags().BoolVar(&runOpts.serve, "serve", false, "keep serving metrics after the kernel finishes, until interrupted")
	rootCmd.AddCommand(runCmd)
}

func loadConfig(explicit string) (*config.Config, string, []string, error) {
	path, err := config.Resolve(explicit)
	if err != nil {
		return nil, "", nil, err
	}
	if path == "" {
		return config.Default(), "", nil, nil
	}
	cfg, warnings, err := config.LoadWithIncludes(path)
	if err != nil {
		return nil, path, warnings, err
	}
	return cfg, path, warnings, nil
}

func runKernel(ctx context.Context, stdout, stderr io.Writer, opts runOptions) error {
	cfg, path, warnings, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.Metrics.Listen = opts.listen
	}
	if opts.serve && cfg.Metrics.Listen == "" {
		return errors.New("--serve needs a metrics address: set [metrics] listen or --listen")
	}

	logger := logging.New(logging.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: stderr,
	})
	if path == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("loaded config", "path", path)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	bus := events.NewBus(logger)
	collector := metrics.New()
	collector.SetBuildInfo(version.Version, goVersion())
	collector.Attach(bus)

	k := kern.New(kern.Config{
		Frames:             cfg.Kernel.Frames,
		MaxEnvs:            cfg.Kernel.MaxEnvs,
		SyscallArgsOnStack: cfg.Kernel.SyscallArgsOnStack,
		Logger:             logging.WithFields(logger, "component", "kernel"),
		Bus:                bus,
	})
	collector.WatchFrames(k.FreeFrames)

	sum := newSummary(bus)
	if opts.dump {
		bus.Subscribe(events.EnvExiting, func(ev events.Event) {
			dumpEnv(stdout, k, ev.Data["env"])
		})
	}

	if err := spawnPrograms(k, cfg, collector, logger); err != nil {
		return err
	}

	runCtx := ctx
	if cfg.Kernel.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Kernel.Timeout)*time.Second)
		defer cancel()
	}

	var ln net.Listener
	if cfg.Metrics.Listen != "" {
		ln, err = net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("cannot listen on %s: %w", cfg.Metrics.Listen, err)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return k.Run(gctx)
	})

	if ln != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, collector.Handler())
		srv := &http.Server{Handler: mux}
		logger.Info("serving metrics", "addr", ln.Addr().String(), "path", cfg.Metrics.Path)

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-done:
				if opts.serve {
					logger.Info("kernel finished, serving metrics until interrupted")
					<-ctx.Done()
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.DeadlineExceeded) {
		runErr = fmt.Errorf("run timed out after %ds", cfg.Kernel.Timeout)
	}

	auditErrs := k.Audit()
	for _, err := range auditErrs {
		logger.Error("memory audit failed", "error", err)
	}
	if err := sum.print(stdout, k, len(auditErrs)); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if len(auditErrs) > 0 {
		return fmt.Errorf("memory audit found %d violation(s)", len(auditErrs))
	}
	if n := sum.failed(); n > 0 {
		return fmt.Errorf("%d environment(s) failed", n)
	}
	return nil
}

func spawnPrograms(k *kern.Kernel, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) error {
	names := make([]string, 0, len(cfg.Programs))
	for name := range cfg.Programs {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		logger.Warn("no programs configured")
	}
	for _, name := range names {
		p := cfg.Programs[name]
		if p.Autostart != nil && !*p.Autostart {
			logger.Debug("program not autostarted", "program", name)
			continue
		}
		prog, err := progs.New(p.Kind, p.DepthValue())
		if err != nil {
			return fmt.Errorf("programs.%s: %w", name, err)
		}
		plog := logging.WithFields(logger, "program", name)
		for i := 0; i < p.Instances; i++ {
			id, err := k.Spawn(ulib.Main(plog, prog))
			if err != nil {
				return fmt.Errorf("programs.%s: spawn: %w", name, err)
			}
			collector.IncProgramStart(p.Kind)
			logger.Info("program spawned", "program", name, "kind", p.Kind, "env", id.String())
		}
	}
	return nil
}

func dumpEnv(w io.Writer, k *kern.Kernel, env string) {
	n, err := strconv.ParseUint(env, 16, 32)
	if err != nil {
		return
	}
	maps, err := k.Snapshot(kern.EnvID(n))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "env %s: %d pages\n", env, len(maps))
	for _, m := range maps {
		fmt.Fprintf(w, "  %08x  frame %#05x  refs %d  %-12s %s\n",
			m.VA, uint32(m.Frame), m.Refs, m.Perm, m.Digest)
	}
}

// summary tallies kernel events for the end-of-run report.
type summary struct {
	created int
	reasons map[string]int
	faults  int
	fatal   int
}

func newSummary(bus *events.Bus) *summary {
	s := &summary{reasons: make(map[string]int)}
	bus.Subscribe(events.EnvCreated, func(events.Event) { s.created++ })
	bus.Subscribe(events.EnvDestroyed, func(ev events.Event) { s.reasons[ev.Data["reason"]]++ })
	bus.Subscribe(events.PageFault, func(events.Event) { s.faults++ })
	bus.Subscribe(events.PageFaultFatal, func(events.Event) { s.fatal++ })
	return s
}

func (s *summary) failed() int {
	n := 0
	for reason, c := range s.reasons {
		if reason != kern.ReasonExit {
			n += c
		}
	}
	return n
}

func (s *summary) print(w io.Writer, k *kern.Kernel, auditErrs int) error {
	audit := "ok"
	if auditErrs > 0 {
		audit = fmt.Sprintf("%d violation(s)", auditErrs)
	}
	reasons := make([]string, 0, len(s.reasons))
	for r := range s.reasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	lines := []string{
		fmt.Sprintf("environments: %d created, %d exited, %d failed, %d left", s.created, s.reasons[kern.ReasonExit], s.failed(), len(k.Envs())),
	}
	for _, r := range reasons {
		if r != kern.ReasonExit {
			lines = append(lines, fmt.Sprintf("  %s: %d", r, s.reasons[r]))
		}
	}
	lines = append(lines,
		fmt.Sprintf("page faults: %d (%d fatal)", s.faults, s.fatal),
		fmt.Sprintf("frames free: %d", k.FreeFrames()),
		fmt.Sprintf("audit: %s", audit),
	)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
