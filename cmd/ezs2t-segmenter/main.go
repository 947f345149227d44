// Command ezs2t-segmenter captures microphone audio and cuts it into
// utterance-sized WAV clips.
//
// By default a global hotkey starts and stops capture (macOS). Use -duration
// for a fixed-length session or -input to segment a recorded WAV file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/yok-tottii/EzS2T-Segmenter/internal/api"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/audio"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/capture"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/config"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/logger"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/mic"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/observe"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/pipeline"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/recording"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/segment"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/server"
	"github.com/yok-tottii/EzS2T-Segmenter/internal/sink"
)

const version = "0.1.0"

// App holds all application state
type App struct {
	logger     *logger.Logger
	config     *config.Config
	configPath string
	metrics    *observe.Metrics
	sink       sink.Sink
	httpServer *server.Server
	status     statusSwitch
	stdout     io.Writer
}

// statusSwitch reports the recording manager's status once one exists
type statusSwitch struct {
	mu  sync.Mutex
	rec *recording.Manager
}

func (s *statusSwitch) set(rec *recording.Manager) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

func (s *statusSwitch) Status() recording.Status {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return recording.Status{State: recording.Idle.String()}
	}
	return rec.Status()
}

type options struct {
	configPath  string
	input       string
	realtime    bool
	duration    time.Duration
	upload      string
	estimator   string
	listDevices bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("ezs2t-segmenter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", config.GetConfigPath(), "path to the YAML config file")
	fs.StringVar(&o.input, "input", "", "segment a 16 kHz mono 16-bit WAV file instead of the microphone")
	fs.BoolVar(&o.realtime, "realtime", false, "replay -input at real-time speed")
	fs.DurationVar(&o.duration, "duration", 0, "capture from the microphone for a fixed time instead of using the hotkey")
	fs.StringVar(&o.upload, "upload", "", "POST each clip to this URL (overrides sink.upload_url)")
	fs.StringVar(&o.estimator, "estimator", "", "loudness estimator: rms or entropy")
	fs.BoolVar(&o.listDevices, "list-devices", false, "list audio input devices and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.input != "" && o.duration > 0 {
		return o, errors.New("-input and -duration are mutually exclusive")
	}
	return o, nil
}

func main() {
	code := 0
	runMain(func() {
		code = run(os.Args[1:], os.Stdout, os.Stderr)
	})
	os.Exit(code)
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	if opts.listDevices {
		return listDevices(stdout, stderr)
	}

	app, err := newApp(opts, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "ezs2t-segmenter: %v\n", err)
		return 1
	}
	defer app.logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		app.logger.Warn("Metrics disabled: %v", err)
	} else {
		defer shutdownMetrics(context.Background())
	}
	app.metrics = observe.DefaultMetrics()

	if err := app.buildSink(); err != nil {
		app.logger.Error("%v", err)
		fmt.Fprintf(stderr, "ezs2t-segmenter: %v\n", err)
		return 1
	}

	if app.config.Server.Enabled {
		app.startServer()
		defer app.httpServer.Stop()
	}

	// First signal ends capture gracefully, a second one aborts
	var stopping atomic.Bool
	stop := make(chan struct{})
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for sig := range sigChan {
			if stopping.CompareAndSwap(false, true) {
				app.logger.Info("Received %v, finishing current segment", sig)
				close(stop)
				continue
			}
			app.logger.Warn("Received %v again, aborting", sig)
			cancel()
		}
	}()

	switch {
	case opts.input != "":
		err = app.runFile(ctx, opts, stopping.Load)
	case opts.duration > 0:
		err = app.runTimed(ctx, opts.duration, stopping.Load)
	default:
		err = app.runHotkey(ctx, stop)
	}
	if err != nil {
		app.logger.Error("%v", err)
		fmt.Fprintf(stderr, "ezs2t-segmenter: %v\n", err)
		return 1
	}

	app.logger.Info("EzS2T-Segmenter finished")
	return 0
}

func newApp(opts options, stdout io.Writer) (*App, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides := map[string]interface{}{}
	if opts.upload != "" {
		overrides["upload_url"] = opts.upload
	}
	if opts.estimator != "" {
		overrides["estimator"] = opts.estimator
	}
	if len(overrides) > 0 {
		if err := cfg.Update(overrides); err != nil {
			return nil, err
		}
	}

	logConfig, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	l, err := logger.New(logConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	l.Info("EzS2T-Segmenter v%s starting (config %s)", version, opts.configPath)

	return &App{
		logger:     l,
		config:     cfg,
		configPath: opts.configPath,
		stdout:     stdout,
	}, nil
}

// buildSink fans segments out to the log and, if configured, an uploader
func (a *App) buildSink() error {
	var sinks sink.Multi
	if a.config.Sink.LogSegments {
		sinks = append(sinks, sink.NewLog(a.logger))
	}
	if hc, ok := a.config.Upload(); ok {
		up, err := sink.NewHTTP(hc, a.logger)
		if err != nil {
			return err
		}
		a.logger.Info("Uploading segments to %s", hc.URL)
		sinks = append(sinks, up)
	}
	sinks = append(sinks, sink.Func(a.printSegment))
	a.sink = sinks
	return nil
}

func (a *App) printSegment(_ context.Context, seg segment.Segment) error {
	fmt.Fprintf(a.stdout, "segment %d\t%s\t%7.2fs\t+%.2fs\t%d bytes\n",
		seg.Index, seg.Reason, seg.Start.Seconds(), seg.Duration.Seconds(), len(seg.Clip))
	return nil
}

func (a *App) startServer() {
	cfg := server.DefaultConfig()
	cfg.Port = a.config.Server.Port
	a.httpServer = server.New(cfg, server.WithLogger(a.logger))

	handler := api.New(a.config,
		api.WithConfigPath(a.configPath),
		api.WithStatus(&a.status),
		api.WithDeviceLister(mic.ListDevices),
		api.WithHotkeyChecker(hotkeyChecker()),
		api.WithLogger(a.logger),
		api.OnConfigChanged(a.applyConfig),
	)
	handler.RegisterRoutes(a.httpServer.GetMux())

	if err := a.httpServer.Start(); err != nil {
		a.logger.Warn("Status server not started: %v", err)
		return
	}
	a.logger.Info("Status server at %s", a.httpServer.URL())
}

// applyConfig picks up settings that can change while running. Segmentation
// changes apply from the next start.
func (a *App) applyConfig(c *config.Config) error {
	lc, err := c.Logger()
	if err != nil {
		return err
	}
	a.logger.SetLevel(lc.Level)
	return nil
}

func (a *App) newSession() (*pipeline.Session, error) {
	return pipeline.New(a.config.Pipeline(), a.sink,
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics),
	)
}

func (a *App) report(res pipeline.Result) {
	a.logger.Info("Session done: %d segment(s), %d bytes, %d packet(s) skipped, %d sink error(s) in %v",
		res.Segments, res.Bytes, res.Engine.PacketsSkipped, res.SinkErrors, res.Elapsed)
	fmt.Fprintf(a.stdout, "segments: %d, bytes: %d\n", res.Segments, res.Bytes)
}

// runFile segments a WAV file until it is exhausted or interrupted
func (a *App) runFile(ctx context.Context, opts options, interrupted func() bool) error {
	session, err := a.newSession()
	if err != nil {
		return err
	}

	var readerOpts []audio.ReaderOption
	if opts.realtime {
		readerOpts = append(readerOpts, audio.WithPacing())
	}
	src, err := audio.OpenWAVFile(opts.input, session.Config().Format, readerOpts...)
	if err != nil {
		return err
	}

	cont := func() bool { return !src.Exhausted() && !interrupted() }
	res, err := session.Run(ctx, src, cont)
	if err != nil {
		return err
	}
	a.report(res)
	return nil
}

// runTimed captures from the microphone for d
func (a *App) runTimed(ctx context.Context, d time.Duration, interrupted func() bool) error {
	session, err := a.newSession()
	if err != nil {
		return err
	}
	audioConfig, err := a.config.AudioInput()
	if err != nil {
		return err
	}
	src, err := mic.Open(audioConfig, a.logger)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(d)
	cont := capture.Continue(func() bool {
		return !interrupted() && time.Now().Before(deadline)
	})
	a.logger.Info("Recording for %v", d)
	res, err := session.Run(ctx, src, cont)
	if err != nil {
		return err
	}
	a.report(res)
	return nil
}

func listDevices(stdout, stderr io.Writer) int {
	devices, err := mic.ListDevices()
	if err != nil {
		fmt.Fprintf(stderr, "ezs2t-segmenter: %v\n", err)
		return 1
	}
	for _, d := range devices {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(stdout, "%s %3d  %s\n", mark, d.ID, d.Name)
	}
	return 0
}
