// noderun drives command sessions across a fleet of network devices
// described by a manifest, collecting per-command output and a final
// outcome for every node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/adapter"
	"github.com/netopslab/noderun/pkg/config"
	"github.com/netopslab/noderun/pkg/config/configstore"
	"github.com/netopslab/noderun/pkg/fleet"
	"github.com/netopslab/noderun/pkg/node"
	"github.com/netopslab/noderun/pkg/session"
	"github.com/netopslab/noderun/pkg/sink"
)

const serviceName = "noderun"

type cliConfig struct {
	input          string
	mongoURI       string
	mongoDB        string
	mongoColl      string
	mongoID        string
	outputDir      string
	maxConcurrency int
	cycles         int
	interval       time.Duration
	kafkaBrokers   string
	kafkaTopic     string
	retryConnects  bool
	noArchive      bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	logCfg := lg.RegisterFlags(fs, serviceName)

	var cfg cliConfig
	fs.StringVar(&cfg.input, "input", "", "manifest file, .csv or .yaml")
	fs.StringVar(&cfg.mongoURI, "mongo-uri", "", "load the manifest from MongoDB instead of a file")
	fs.StringVar(&cfg.mongoDB, "mongo-db", "noderun", "MongoDB database name")
	fs.StringVar(&cfg.mongoColl, "mongo-coll", "manifests", "MongoDB collection name")
	fs.StringVar(&cfg.mongoID, "mongo-id", "default", "manifest document id")
	fs.StringVar(&cfg.outputDir, "output", "output", "directory for per-node command logs")
	fs.IntVar(&cfg.maxConcurrency, "max-concurrency", fleet.DefaultMaxConcurrency, "maximum simultaneously open sessions")
	fs.IntVar(&cfg.cycles, "cycles", -1, "override cycle count for every node (0 runs until interrupted)")
	fs.DurationVar(&cfg.interval, "interval", -1, "override pause between cycles for every node")
	fs.StringVar(&cfg.kafkaBrokers, "kafka-brokers", "", "comma-separated brokers; publishes results when set")
	fs.StringVar(&cfg.kafkaTopic, "kafka-topic", "noderun.results", "topic for published results")
	fs.BoolVar(&cfg.retryConnects, "retry-connects", false, "retry failed dials with backoff and a circuit breaker")
	fs.BoolVar(&cfg.noArchive, "no-archive", false, "skip zipping the node logs after the run")
	fs.Parse(args)

	logger := lg.New(logCfg)
	defer logger.Sync()

	manifest, err := loadManifest(&cfg)
	if err != nil {
		logger.Error("cannot load manifest", lg.Err(err))
		return 1
	}
	if cfg.cycles >= 0 || cfg.interval >= 0 {
		applyOverrides(manifest, &cfg)
	}

	fileSink, err := sink.NewFile(cfg.outputDir, logger)
	if err != nil {
		logger.Error("cannot prepare output directory", lg.Err(err))
		return 1
	}
	sinks := []session.Sink{fileSink, sink.NewLog(logger)}

	var kafkaSink *sink.Kafka
	if cfg.kafkaBrokers != "" {
		kafkaSink = sink.NewKafka(splitCSV(cfg.kafkaBrokers), cfg.kafkaTopic, logger)
		sinks = append(sinks, kafkaSink)
	}

	opts := fleet.Options{
		MaxConcurrency: cfg.maxConcurrency,
		Credentials:    manifest.Credentials,
		Sink:           sink.NewMulti(sinks...),
		Logger:         logger,
	}
	if cfg.retryConnects {
		opts.Resilience = adapter.DefaultResilienceConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := fleet.New(opts)
	logger.Info("run starting",
		lg.String("run_id", f.RunID().String()),
		lg.Int("nodes", len(manifest.Nodes)),
		lg.Int("max_concurrency", cfg.maxConcurrency))

	outcomes := f.Run(ctx, manifest.Nodes)

	if err := fileSink.Close(); err != nil {
		logger.Warn("closing node logs", lg.Err(err))
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Warn("closing kafka writer", lg.Err(err))
		}
	}
	if !cfg.noArchive {
		if zipPath, err := fileSink.Archive(); err != nil {
			logger.Warn("archiving node logs", lg.Err(err))
		} else {
			logger.Info("node logs archived", lg.String("path", zipPath))
		}
	}

	printSummary(outcomes)
	if !fleet.AllCompleted(outcomes) {
		return 1
	}
	return 0
}

func loadManifest(cfg *cliConfig) (*node.Manifest, error) {
	var (
		store configstore.Store
		err   error
	)
	switch {
	case cfg.mongoURI != "":
		store, err = config.NewStore(config.MongoStore, &config.MongoConfig{
			URI:      cfg.mongoURI,
			DBName:   cfg.mongoDB,
			CollName: cfg.mongoColl,
			ID:       cfg.mongoID,
		})
	case cfg.input != "":
		store, err = config.OpenPath(cfg.input)
	default:
		return nil, fmt.Errorf("either -input or -mongo-uri is required")
	}
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	return config.LoadManifest(store)
}

func applyOverrides(manifest *node.Manifest, cfg *cliConfig) {
	for i := range manifest.Nodes {
		if cfg.cycles >= 0 {
			manifest.Nodes[i].CycleCount = cfg.cycles
		}
		if cfg.interval >= 0 {
			manifest.Nodes[i].CycleInterval = cfg.interval
		}
	}
}

func printSummary(outcomes []session.Outcome) {
	fmt.Println()
	fmt.Println("=== Run summary ===")
	for _, out := range outcomes {
		line := fmt.Sprintf("%-20s %-28s cycles=%d", out.NodeID, out.Final, out.CyclesCompleted)
		if out.Reason != "" {
			line += "  (" + out.Reason + ")"
		}
		fmt.Println(line)
	}
	fmt.Println()
	for status, n := range fleet.CountByStatus(outcomes) {
		fmt.Printf("%s: %d\n", status, n)
	}
}

func splitCSV(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
