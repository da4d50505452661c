// bastion enforces firewall policies on Compute Engine projects.
//
// With --project and --policy-file a single project is enforced. Otherwise
// every project listed under projects: in the config file is enforced
// concurrently. The process exits 1 when any project ends in ERROR.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/eleven-am/bastion/internal/batch"
	"github.com/eleven-am/bastion/internal/config"
	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/gcp"
	"github.com/eleven-am/bastion/internal/metrics"
	"github.com/eleven-am/bastion/internal/policy"
	"github.com/eleven-am/bastion/internal/project"
	"github.com/eleven-am/bastion/internal/store"
)

const userAgent = "bastion"

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func (e *exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr, clock: clock.RealClock{}, newFactory: googleFactory}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			log.Error(err)
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func googleFactory(ctx context.Context, cfg gcp.FactoryConfig) (domain.ClientFactory, error) {
	f, err := gcp.NewFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return f.ClientFactory(), nil
}

type app struct {
	stdout     io.Writer
	stderr     io.Writer
	clock      clock.PassiveClock
	newFactory func(context.Context, gcp.FactoryConfig) (domain.ClientFactory, error)
}

// lockedWriter serializes writes from loggers that each hold their own lock.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type options struct {
	configPath string
	envFile    string
	project    string
	policyFile string
	networks   []string
	output     string
}

func (a *app) flags(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("bastion", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVar(&opts.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config file")
	fs.StringVar(&opts.envFile, "env-file", ".env", "environment file loaded before the config")
	fs.StringVar(&opts.project, "project", "", "enforce a single project instead of the configured fleet")
	fs.StringVar(&opts.policyFile, "policy-file", "", "JSON or YAML rule list for --project")
	fs.StringSliceVar(&opts.networks, "networks", nil, "restrict --project to these networks")
	fs.StringVar(&opts.output, "output", "", "write results as JSON to this file, - for stdout")
	fs.Bool("dry-run", false, "report changes without applying them")
	fs.Int("concurrent-workers", 0, "projects enforced in parallel")
	fs.Int("max-concurrent-writers", 0, "projects allowed to change rules at once, 0 for unbounded")
	fs.Int("max-retries", 0, "reapplications when a project does not converge")
	fs.Bool("retry-on-dry-run", false, "keep retrying in dry-run mode")
	fs.Bool("allow-empty-ruleset", false, "allow a policy that removes every rule")
	fs.String("log-level", "", "debug, info, warn or error")
	return fs
}

// override copies flags the user set explicitly onto the loaded config.
func override(fs *pflag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "dry-run":
			cfg.DryRun, _ = fs.GetBool(f.Name)
		case "concurrent-workers":
			cfg.ConcurrentWorkers, _ = fs.GetInt(f.Name)
		case "max-concurrent-writers":
			cfg.MaxConcurrentWriters, _ = fs.GetInt(f.Name)
		case "max-retries":
			cfg.MaxRetries, _ = fs.GetInt(f.Name)
		case "retry-on-dry-run":
			cfg.RetryOnDryRun, _ = fs.GetBool(f.Name)
		case "allow-empty-ruleset":
			cfg.AllowEmptyRuleSet, _ = fs.GetBool(f.Name)
		case "log-level":
			cfg.LogLevel, _ = fs.GetString(f.Name)
		}
	})
}

func (a *app) run(ctx context.Context, args []string) error {
	var opts options
	fs := a.flags(&opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if opts.project != "" && opts.policyFile == "" {
		return errors.New("--policy-file is required with --project")
	}
	if opts.project == "" {
		if fs.Changed("policy-file") {
			return errors.New("--policy-file requires --project")
		}
		if fs.Changed("networks") {
			return errors.New("--networks requires --project; set networks per project in the config file")
		}
	}
	if a.clock == nil {
		a.clock = clock.RealClock{}
	}

	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	override(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lvl, _ := cfg.Level()
	logger := log.NewWithOptions(&lockedWriter{w: a.stderr}, log.Options{Level: lvl, ReportTimestamp: true})
	log.SetDefault(logger)

	bc, err := cfg.Batch()
	if err != nil {
		return err
	}

	factory, err := a.newFactory(ctx, gcp.FactoryConfig{
		CredentialsFile: cfg.CredentialsFile,
		Endpoint:        cfg.Endpoint,
		UserAgent:       userAgent,
	})
	if err != nil {
		return err
	}

	var writes *semaphore.Weighted
	if cfg.MaxConcurrentWriters > 0 {
		writes = semaphore.NewWeighted(int64(cfg.MaxConcurrentWriters))
	}
	recorder := metrics.New()

	var db *store.Store
	if cfg.DatabaseDSN != "" {
		db, err = store.Open(cfg.DatabaseDSN, store.WithLogger(logger.With("component", "store")))
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var failed bool
	var out any
	if opts.project != "" {
		result, err := a.runProject(ctx, factory, bc, writes, recorder, opts, logger)
		if err != nil {
			return err
		}
		failed = result.Status == domain.StatusError
		out = result
		if db != nil {
			if err := db.SaveResult(ctx, result); err != nil {
				logger.Error("unable to store result", "err", err)
			}
		}
	} else {
		result, err := a.runBatch(ctx, factory, bc, writes, recorder, cfg, logger)
		if err != nil {
			return err
		}
		failed = result.HasErrors()
		out = result
		if db != nil {
			if err := db.SaveBatch(ctx, result); err != nil {
				logger.Error("unable to store batch", "err", err)
			}
		}
	}

	if cfg.MetricsTextfile != "" {
		if err := recorder.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Error("unable to write metrics", "err", err)
		}
	}
	if err := a.writeOutput(opts.output, out); err != nil {
		return err
	}
	if failed {
		return &exitError{code: 1, msg: "one or more projects failed enforcement"}
	}
	return nil
}

func (a *app) runProject(ctx context.Context, factory domain.ClientFactory, bc batch.Config, writes *semaphore.Weighted, recorder *metrics.Recorder, opts options, logger *log.Logger) (*domain.EnforcementResult, error) {
	rules, err := policy.Load(opts.policyFile)
	if err != nil {
		return nil, err
	}
	client, err := factory(ctx, opts.project)
	if err != nil {
		return nil, fmt.Errorf("create compute client %s: %w", opts.project, err)
	}

	begin := a.clock.Now()
	pc := project.New(opts.project, client,
		project.WithDryRun(bc.DryRun),
		project.WithWriteLimiter(writes),
		project.WithOperationTimeout(bc.OperationTimeout),
		project.WithOperationRetries(bc.OperationRetries),
		project.WithLogger(logger.With("component", "project")),
		project.WithClock(a.clock),
	)
	result := pc.EnforcePolicy(ctx, rules, project.Request{
		Networks:          opts.networks,
		AllowEmptyRuleSet: bc.AllowEmptyRuleSet,
		RetryOnDryRun:     bc.RetryOnDryRun,
		MaxRetries:        bc.MaxRetries,
		PolicyPath:        opts.policyFile,
	})
	recorder.ObserveResult(result, a.clock.Since(begin))
	logger.Info("project enforced", "project", result.ProjectID, "status", result.Status, "changed", result.Firewall.RulesModifiedCount)
	return result, nil
}

func (a *app) runBatch(ctx context.Context, factory domain.ClientFactory, bc batch.Config, writes *semaphore.Weighted, recorder *metrics.Recorder, cfg *config.Config, logger *log.Logger) (*domain.BatchResult, error) {
	if len(cfg.Projects) == 0 {
		return nil, errors.New("no projects configured; set projects: in the config file or use --project")
	}

	policies := make([]batch.ProjectPolicy, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		rules, err := policy.Load(p.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", p.ProjectID, err)
		}
		policies = append(policies, batch.ProjectPolicy{
			ProjectID:  p.ProjectID,
			Rules:      rules,
			Networks:   p.Networks,
			PolicyPath: p.PolicyFile,
		})
	}

	opts := []batch.Option{
		batch.WithLogger(logger.With("component", "batch")),
		batch.WithMetrics(recorder),
		batch.WithClock(a.clock),
	}
	if writes != nil {
		opts = append(opts, batch.WithWriteLimiter(writes))
	}
	c, err := batch.New(factory, bc, opts...)
	if err != nil {
		return nil, err
	}

	result := c.Run(ctx, policies, batch.Hooks{})
	recorder.ObserveBatch(result)
	return result, nil
}

func (a *app) writeOutput(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = a.stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results %s: %w", path, err)
	}
	return nil
}
