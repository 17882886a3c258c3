package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/postscraper/pkg/client"
	"github.com/ericvolp12/postscraper/pkg/consumer"
	"github.com/ericvolp12/postscraper/pkg/cursor"
	"github.com/ericvolp12/postscraper/pkg/sink"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "postscraper",
		Usage:   "archive posts from the atproto firehose to CSV",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "full websocket path to the ATProto SubscribeRepos XRPC endpoint",
			Value:   "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos",
			EnvVars: []string{"POSTSCRAPER_WS_URL"},
		},
		&cli.IntFlag{
			Name:    "worker-count",
			Usage:   "number of workers to decode commits",
			Value:   consumer.DefaultWorkerCount(),
			EnvVars: []string{"POSTSCRAPER_WORKER_COUNT"},
		},
		&cli.IntFlag{
			Name:    "max-queue-size",
			Usage:   "max number of commits queued for decoding",
			Value:   10_000,
			EnvVars: []string{"POSTSCRAPER_MAX_QUEUE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "output-queue-size",
			Usage:   "max number of rows queued for the writer",
			Value:   10_000,
			EnvVars: []string{"POSTSCRAPER_OUTPUT_QUEUE_SIZE"},
		},
		&cli.Int64Flag{
			Name:    "checkpoint-every",
			Usage:   "checkpoint the cursor on every Nth sequence number",
			Value:   20,
			EnvVars: []string{"POSTSCRAPER_CHECKPOINT_EVERY"},
		},
		&cli.Int64Flag{
			Name:    "cursor",
			Usage:   "sequence number to resume from, -1 to use the saved cursor",
			Value:   cursor.Unset,
			EnvVars: []string{"POSTSCRAPER_CURSOR"},
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "directory to store the output file and cursor (pebbleDB)",
			Value:   "./data",
			EnvVars: []string{"POSTSCRAPER_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:    "output-file",
			Usage:   "name of the CSV output file inside data-dir",
			Value:   "posts.csv",
			EnvVars: []string{"POSTSCRAPER_OUTPUT_FILE"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "addr to serve echo on",
			Value:   ":6009",
			EnvVars: []string{"POSTSCRAPER_LISTEN_ADDR"},
		},
		&cli.DurationFlag{
			Name:    "cursor-save-interval",
			Usage:   "how often to persist the cursor",
			Value:   5 * time.Second,
			EnvVars: []string{"POSTSCRAPER_CURSOR_SAVE_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "liveness-timeout",
			Usage:   "shut down if no events are read from the firehose for this long, 0 to disable",
			Value:   15 * time.Second,
			EnvVars: []string{"POSTSCRAPER_LIVENESS_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "drain-poll-interval",
			Usage:   "how often to check queue depth while draining on shutdown",
			Value:   100 * time.Millisecond,
			EnvVars: []string{"POSTSCRAPER_DRAIN_POLL_INTERVAL"},
		},
	}

	app.Action = Postscraper

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Postscraper is the main function for postscraper
func Postscraper(cctx *cli.Context) error {
	ctx := cctx.Context

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	log.Info("starting postscraper")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		log.Info("initializing tracer...")
		shutdown, err := tracing.InstallExportPipeline(ctx, "Postscraper", 0.01)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				log.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	dataDir := cctx.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := consumer.OpenCursorStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}
	defer store.Close()

	start := cctx.Int64("cursor")
	if start < 0 {
		start, err = store.ReadCursor(ctx)
		if err != nil {
			log.Warn("previous cursor not readable, starting from live", "error", err)
			start = cursor.Unset
		}
	}
	cur := cursor.New(start)

	out, err := sink.OpenCSV(filepath.Join(dataDir, cctx.String("output-file")))
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	log.Info("writing posts", "path", out.Path(), "cursor", start)

	wsURL := cctx.String("ws-url")
	c := consumer.NewConsumer(log, wsURL, consumer.Config{
		WorkerCount:       cctx.Int("worker-count"),
		MaxQueueSize:      cctx.Int("max-queue-size"),
		OutputQueueSize:   cctx.Int("output-queue-size"),
		CheckpointEvery:   cctx.Int64("checkpoint-every"),
		DrainPollInterval: cctx.Duration("drain-poll-interval"),
	}, cur, out)

	clientConfig := client.DefaultClientConfig()
	clientConfig.WebsocketURL = wsURL
	clientConfig.Resume = cur.Get
	fc, err := client.NewClient(clientConfig, log, c.HandleCommitEvent)
	if err != nil {
		return fmt.Errorf("failed to create firehose client: %w", err)
	}

	c.Start(ctx)

	// Start a goroutine to manage the cursor, saving the current cursor every few seconds.
	cursorCtx, stopCursorManager := context.WithCancel(context.Background())
	cursorManagerShutdown := make(chan struct{})
	cm := &consumer.CursorManager{
		Store:    store,
		Cursor:   cur,
		Feed:     fc,
		Interval: cctx.Duration("cursor-save-interval"),
		Logger:   log,
	}
	go func() {
		cm.Run(cursorCtx)
		close(cursorManagerShutdown)
	}()

	// Start a goroutine to check the firehose is still delivering, shutting down if it stalls
	livenessCtx, stopLivenessChecker := context.WithCancel(context.Background())
	livenessCheckerShutdown := make(chan struct{})
	var livenessKill <-chan struct{}
	if timeout := cctx.Duration("liveness-timeout"); timeout > 0 {
		lc := client.NewLivenessChecker(timeout, fc.EventsRead.Load, log)
		livenessKill = lc.Dead()
		go func() {
			lc.Run(livenessCtx)
			close(livenessCheckerShutdown)
		}()
	} else {
		close(livenessCheckerShutdown)
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/cursor", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]any{
			"cursor": cur.Get(),
			"state":  c.State().String(),
		})
	})

	httpServer := &http.Server{
		Addr:    cctx.String("listen-addr"),
		Handler: e,
	}

	// Startup echo server
	shutdownEcho := make(chan struct{})
	echoShutdown := make(chan struct{})
	go func() {
		logger := log.With("source", "echo_server")

		logger.Info("echo server listening", "addr", cctx.String("listen-addr"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start echo server", "error", err)
			}
		}()
		<-shutdownEcho
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown echo server", "error", err)
		}
		logger.Info("echo server shut down")
		close(echoShutdown)
	}()

	// The firehose reader is detached from ctx: only the shutdown sequence stops it.
	feedShutdown := make(chan struct{})
	go func() {
		var startPtr *int64
		if start >= 0 {
			startPtr = &start
		}
		if err := fc.ConnectAndRead(context.Background(), startPtr); err != nil {
			log.Error("firehose client exited", "error", err)
		}
		close(feedShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-signals:
		log.Info("shutting down on signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("shutting down on context done")
	case <-c.Aborted():
		runErr = c.WriterErr()
		log.Error("shutting down on writer failure", "error", runErr)
	case <-livenessKill:
		runErr = fmt.Errorf("firehose stalled: no events read for %s", cctx.Duration("liveness-timeout"))
		log.Error("shutting down on liveness failure, expecting a restart from the saved cursor")
	}

	// Further signals are absorbed while the pipeline drains.
	drained := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				log.Warn("shutdown already in progress, ignoring signal", "signal", sig.String(), "state", c.State().String())
			case <-drained:
				return
			}
		}
	}()

	log.Info("shutting down, waiting for workers to clean up...")
	if err := c.Shutdown(context.Background(), fc); err != nil {
		log.Error("pipeline did not drain cleanly", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	close(drained)
	signal.Stop(signals)

	stopCursorManager()
	stopLivenessChecker()
	close(shutdownEcho)

	<-feedShutdown
	<-cursorManagerShutdown
	<-livenessCheckerShutdown
	<-echoShutdown

	if runErr != nil {
		return runErr
	}

	log.Info("shut down successfully", "cursor", cur.Get(), "rows_written", out.Rows())
	return nil
}
