// Command pastimage runs the past-image selector: it consumes pose, image and
// tracking events, keeps the frame archive and publishes the selected
// background frame together with the live camera transform.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/spirit/internal/config"
	"github.com/banshee-data/spirit/internal/journal"
	"github.com/banshee-data/spirit/internal/monitor"
	"github.com/banshee-data/spirit/internal/monitoring"
	"github.com/banshee-data/spirit/internal/pastimage"
	"github.com/banshee-data/spirit/internal/timeutil"
	"github.com/banshee-data/spirit/internal/transport"
	"github.com/banshee-data/spirit/internal/transport/grpcstream"
	"github.com/banshee-data/spirit/internal/version"
)

var (
	configFile  = flag.String("config", config.DefaultConfigPath, "Selector configuration file (.json or .yaml)")
	listen      = flag.String("listen", ":8090", "HTTP listen address for status and debug pages")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address for event ingest and selection streams (disabled if empty)")
	dbFile      = flag.String("db", "", "SQLite journal of published selections (disabled if empty)")
	replayFile  = flag.String("replay", "", "JSONL recording to replay into the selector")
	replayRate  = flag.Float64("replay-rate", 1.0, "Replay speed multiplier; 0 replays as fast as possible")
	replayExit  = flag.Bool("replay-exit", false, "Exit once the replay has been consumed")
	bufferSize  = flag.Int("buffer", transport.DefaultBuffer, "Event and subscriber channel buffer size")
	journalBuf  = flag.Int("journal-buffer", 1024, "Selections queued for the journal before the bus drops them")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *replayRate < 0 {
		log.Fatal("-replay-rate must be >= 0")
	}
	monitoring.SetDebug(*debug)

	cfg, err := config.LoadSelectorConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	selCfg, err := cfg.ToSelectorConfig()
	if err != nil {
		log.Fatalf("invalid selector config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, selCfg); err != nil {
		log.Fatalf("pastimage: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, stop context.CancelFunc, cfg pastimage.Config) error {
	log.Printf("pastimage %s starting with %s", version.String(), cfg.Policy.Describe())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := transport.NewBus(*bufferSize)
	defer bus.Close()

	sel, err := pastimage.NewSelector(cfg, bus, pastimage.WithMetrics(pastimage.NewMetrics(reg)))
	if err != nil {
		return err
	}
	dispatcher := transport.NewDispatcher(*bufferSize)

	var j *journal.Journal
	if *dbFile != "" {
		j, err = journal.Open(*dbFile)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		if _, err := j.StartRun(cfg.Policy, time.Now()); err != nil {
			return err
		}
		defer func() {
			if err := j.FinishRun(time.Now()); err != nil {
				log.Printf("failed to finish journal run: %v", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := dispatcher.Run(gctx, sel)
		log.Printf("dispatcher stopped after %d events (%d errors)", dispatcher.Delivered(), dispatcher.Errors())
		if err == nil {
			// closed and drained; nothing more will arrive
			stop()
		}
		return ignoreCanceled(err)
	})

	if j != nil {
		id, msgs := bus.SubscribeKind(transport.KindSelection, *journalBuf)
		g.Go(func() error {
			defer bus.Unsubscribe(id)
			return ignoreCanceled(j.Consume(gctx, msgs))
		})
	}

	mon := monitor.NewServer(monitor.Config{
		Address:  *listen,
		Source:   sel,
		Bus:      bus,
		Journal:  j,
		Gatherer: reg,
	})
	g.Go(func() error { return mon.Start(gctx) })

	if *grpcListen != "" {
		g.Go(func() error {
			return grpcstream.ListenAndServe(gctx, *grpcListen, grpcstream.NewServer(dispatcher, bus))
		})
	}

	if *replayFile != "" {
		g.Go(func() error {
			f, err := os.Open(*replayFile)
			if err != nil {
				return fmt.Errorf("failed to open replay: %w", err)
			}
			defer f.Close()

			n, err := transport.NewReplay(timeutil.RealClock{}, *replayRate).Run(gctx, f, dispatcher)
			if err != nil {
				return ignoreCanceled(err)
			}
			log.Printf("replayed %d events from %s", n, *replayFile)
			if *replayExit {
				dispatcher.Close()
			}
			return nil
		})
	}

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
