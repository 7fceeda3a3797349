// swarmflow runs workflow definitions against the embedded execution engine.
//
// Usage:
//
//	swarmflow run workflow.yaml            # execute a workflow
//	swarmflow run --config cfg.yaml a.yaml b.yaml
//	swarmflow validate workflow.yaml       # check a definition without running it
//	swarmflow version                      # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/swarmflow/swarmflow/config"
	"github.com/swarmflow/swarmflow/types"
	"github.com/swarmflow/swarmflow/workflow"
)

// Build-time variables, injected via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitOK         = 0
	exitUsage      = 1
	exitValidation = 2
	exitExecution  = 3
	exitResource   = 4
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	metricsAddr := fs.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	timeout := fs.Duration("timeout", 0, "Overall deadline for all workflows (0 = none)")
	quiet := fs.Bool("quiet", false, "Suppress the final snapshot output")
	fs.Parse(args)

	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "run: at least one workflow file is required")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting swarmflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	registry := prometheus.NewRegistry()
	engine := workflow.NewEngine(cfg, logger, workflow.WithRegisterer(registry))
	registerBuiltinAgents(engine)
	if err := engine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		return exitExecution
	}
	defer engine.Close()

	if *metricsAddr != "" && cfg.Metrics.Enabled {
		go serveMetrics(*metricsAddr, registry, logger)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	// Workflows run concurrently; the engine multiplexes their steps over
	// the shared pool. Each file reports its own exit code so one bad
	// workflow does not abort its siblings.
	g, gctx := errgroup.WithContext(ctx)
	codes := make([]int, len(files))
	errs := make([]error, len(files))
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			codes[i], errs[i] = runOne(gctx, engine, file, *quiet)
			return nil
		})
	}
	g.Wait()

	code := exitOK
	for i := range files {
		if errs[i] != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", errs[i])
		}
		if codes[i] > code {
			code = codes[i]
		}
	}
	return code
}

// runOne submits a single workflow file and waits for its outcome. Returns
// the exit code contribution for this workflow.
func runOne(ctx context.Context, engine *workflow.Engine, file string, quiet bool) (int, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return exitUsage, fmt.Errorf("%s: %w", file, err)
	}

	id, err := engine.SubmitYAML(ctx, data)
	if err != nil {
		return submitExitCode(err), fmt.Errorf("%s: %w", file, err)
	}

	snap, err := engine.Wait(ctx, id)
	if err != nil {
		return exitExecution, fmt.Errorf("%s: %w", file, err)
	}

	if !quiet {
		printSnapshot(snap)
	}

	switch snap.Status {
	case workflow.InstanceCompleted:
		return exitOK, nil
	default:
		return exitExecution, fmt.Errorf("%s: workflow %s ended %s", file, snap.Name, snap.Status)
	}
}

func submitExitCode(err error) int {
	switch types.GetErrorCode(err) {
	case types.ErrValidation:
		return exitValidation
	case types.ErrResourceExhausted, types.ErrEngineClosed:
		return exitResource
	default:
		return exitExecution
	}
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "validate: at least one workflow file is required")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	engine := workflow.NewEngine(cfg, zap.NewNop(), workflow.WithRegisterer(prometheus.NewRegistry()))
	registerBuiltinAgents(engine)
	validator := workflow.NewValidator(cfg.Recovery.MaxRetryLimit, cfg.Recovery.MaxTimeout.Std())

	code := exitOK
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			code = exitUsage
			continue
		}
		def, err := workflow.ParseDefinition(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			code = exitValidation
			continue
		}
		if err := validator.Validate(def, engine.Registry()); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			code = exitValidation
			continue
		}
		fmt.Printf("%s: OK (%d steps)\n", file, len(def.Steps))
	}
	return code
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printSnapshot(snap workflow.InstanceSnapshot) {
	out, err := yaml.Marshal(snap)
	if err != nil {
		fmt.Printf("%s: %s\n", snap.Name, snap.Status)
		return
	}
	fmt.Printf("---\n%s", out)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func printVersion() {
	fmt.Printf("swarmflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`swarmflow - workflow execution engine

Usage:
  swarmflow <command> [options]

Commands:
  run       Execute one or more workflow files
  validate  Check workflow files without running them
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --metrics-addr <addr>  Expose Prometheus metrics (e.g. :9090)
  --timeout <d>          Overall deadline for all workflows
  --quiet                Suppress the final snapshot output

Examples:
  swarmflow run pipeline.yaml
  swarmflow run --config /etc/swarmflow/config.yaml a.yaml b.yaml
  swarmflow run --metrics-addr :9090 pipeline.yaml
  swarmflow validate pipeline.yaml`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller())
}
