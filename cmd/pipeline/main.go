// Command pipeline is the content-derivation engine's CLI: run/resume/
// cancel/serve subcommands against the Orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/develogon/contentpipe/internal/cache"
	"github.com/develogon/contentpipe/internal/client"
	"github.com/develogon/contentpipe/internal/client/anthropic"
	"github.com/develogon/contentpipe/internal/client/bedrock"
	"github.com/develogon/contentpipe/internal/client/chat"
	"github.com/develogon/contentpipe/internal/client/kvstore"
	"github.com/develogon/contentpipe/internal/client/objectstore"
	"github.com/develogon/contentpipe/internal/client/openai"
	"github.com/develogon/contentpipe/internal/client/vcs"
	"github.com/develogon/contentpipe/internal/config"
	"github.com/develogon/contentpipe/internal/diagram"
	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/orchestrator"
	"github.com/develogon/contentpipe/internal/retry"
	"github.com/develogon/contentpipe/internal/telemetry"
	"github.com/develogon/contentpipe/internal/worker"
	"github.com/develogon/contentpipe/internal/worker/ai"
	"github.com/develogon/contentpipe/internal/worker/aggregator"
	"github.com/develogon/contentpipe/internal/worker/media"
	"github.com/develogon/contentpipe/internal/worker/parser"
	"github.com/develogon/contentpipe/internal/workflow"
	"github.com/develogon/contentpipe/internal/workflow/file"
	"github.com/develogon/contentpipe/internal/workflow/redisstore"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Exit codes: 0 success; non-zero for input-missing,
// configuration-invalid, workflow-failed, workflow-timeout.
const (
	exitSuccess              = 0
	exitInputMissing         = 10
	exitConfigurationInvalid = 11
	exitWorkflowFailed       = 12
	exitWorkflowTimeout      = 13
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Content-derivation workflow engine",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML configuration file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newDumpConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == orchestrator.ErrWatchdogTimeout:
		return exitWorkflowTimeout
	case err == nil:
		return exitSuccess
	default:
		return exitWorkflowFailed
	}
}

func newRunCmd() *cobra.Command {
	var async bool
	var dryRun bool
	var title string

	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Start a new workflow execution from source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			if source == "" {
				fmt.Fprintln(os.Stderr, "error: source is required")
				os.Exit(exitInputMissing)
				return fmt.Errorf("source is required")
			}

			env, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				os.Exit(exitConfigurationInvalid)
				return err
			}
			defer cleanup()

			mode := workflow.ModeSync
			if async {
				mode = workflow.ModeAsync
			}
			if dryRun {
				mode = workflow.ModeDryRun
			}

			exec, err := env.orchestrator.Run(cmd.Context(), source, orchestrator.Options{Title: title, Mode: mode})
			if err != nil {
				os.Exit(exitCodeFor(err))
				return err
			}

			fmt.Printf("execution %s workflow %s status=%s\n", exec.ID, exec.WorkflowID, exec.Status)
			if exec.Status == workflow.StatusFailed {
				os.Exit(exitWorkflowFailed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&async, "async", false, "return immediately instead of waiting for a terminal status")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip handler invocation for steps with no registered handler")
	cmd.Flags().StringVar(&title, "title", "", "optional title recorded on WORKFLOW_STARTED")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a previously-started execution after a crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				os.Exit(exitConfigurationInvalid)
				return err
			}
			defer cleanup()

			exec, err := env.orchestrator.Resume(cmd.Context(), args[0])
			if err != nil {
				os.Exit(exitInputMissing)
				return err
			}
			fmt.Printf("execution %s status=%s\n", exec.ID, exec.Status)
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				os.Exit(exitConfigurationInvalid)
				return err
			}
			defer cleanup()

			if err := env.orchestrator.Cancel(cmd.Context(), args[0]); err != nil {
				os.Exit(exitInputMissing)
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pool and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				os.Exit(exitConfigurationInvalid)
				return err
			}
			defer cleanup()

			fmt.Println("pipeline serving; press Ctrl+C to stop")
			_ = env.pool
			select {}
		},
	}
}

func newDumpConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-config",
		Short: "Print the effective configuration (defaults plus file plus env overrides) as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				os.Exit(exitConfigurationInvalid)
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// environment bundles the wired dependencies a subcommand needs.
type environment struct {
	cfg          *config.Config
	bus          *event.Bus
	pool         *worker.Pool
	orchestrator *orchestrator.Orchestrator
}

func bootstrap(ctx context.Context) (*environment, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()
	tracer := telemetry.NewNoopTracer()
	if cfg.Metrics.Enabled {
		logger = telemetry.NewClueLogger(ctx)
		metrics = telemetry.NewClueMetrics()
		tracer = telemetry.NewClueTracer()
	}

	state, err := newStateStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	bus := event.NewBus()

	clients := newServiceClients(cfg, logger, metrics)

	factories, err := buildFactories(ctx, cfg, clients)
	if err != nil {
		return nil, nil, err
	}

	poolCfg := worker.PoolConfig{
		Factories: factories,
		Counts: map[worker.Type]int{
			worker.TypeParser:     cfg.Workers.Counts.Parser,
			worker.TypeAI:         cfg.Workers.Counts.AI,
			worker.TypeMedia:      cfg.Workers.Counts.Media,
			worker.TypeAggregator: cfg.Workers.Counts.Aggregator,
		},
		Worker: worker.Config{
			MaxConcurrent:  int64(cfg.Workers.MaxConcurrentTasks),
			EmitTaskEvents: cfg.Metrics.Enabled,
		},
		Tracer: tracer,
	}
	pool := worker.NewPool(poolCfg, bus, state, logger, metrics)
	if err := pool.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start worker pool: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{WatchdogTimeout: 10 * time.Minute}, bus, state, logger)

	if notifier := buildChatSink(cfg, clients); notifier != nil {
		bus.Subscribe(event.WorkflowCompleted, notifyHandler(notifier))
		bus.Subscribe(event.WorkflowFailed, notifyHandler(notifier))
	}

	if cfg.VCS.RepoPath != "" {
		vcsSink, err := vcs.Open(cfg.VCS.RepoPath, vcs.AuthorIdentity{Name: "contentpipe", Email: "pipeline@develogon.dev"}, cfg.VCS.Username, cfg.VCS.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("open vcs sink: %w", err)
		}
		branch := cfg.VCS.Branch
		if branch == "" {
			branch = "main"
		}
		bus.Subscribe(event.WorkflowCompleted, vcsPublishHandler(vcsSink, branch))
	}

	env := &environment{cfg: cfg, bus: bus, pool: pool, orchestrator: orch}
	cleanup := func() {
		pool.Shutdown()
		bus.Stop()
	}
	return env, cleanup, nil
}

func newStateStore(cfg *config.Config) (workflow.StateStore, error) {
	switch {
	case cfg.State.RedisURL != "":
		opts, err := redis.ParseURL(cfg.State.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("state.redis_url: %w", err)
		}
		return redisstore.New(redis.NewClient(opts)), nil
	case cfg.State.FileRoot != "":
		return file.New(cfg.State.FileRoot)
	default:
		return file.New(os.TempDir())
	}
}

// serviceClients owns one ServiceClient base per outbound service, so
// every call the pipeline makes -- LM generation, object storage,
// chat -- flows through the shared rate-limit/breaker/retry/stats
// pipeline rather than a bare SDK transport.
type serviceClients struct {
	cfg     *config.Config
	logger  telemetry.Logger
	metrics telemetry.Metrics

	bases map[string]*client.Base
}

func newServiceClients(cfg *config.Config, logger telemetry.Logger, metrics telemetry.Metrics) *serviceClients {
	return &serviceClients{cfg: cfg, logger: logger, metrics: metrics, bases: make(map[string]*client.Base)}
}

// base returns the shared ServiceClient base for service, creating it
// on first use from the api.* configuration.
func (c *serviceClients) base(service string) *client.Base {
	if b, ok := c.bases[service]; ok {
		return b
	}
	rpm := c.cfg.API.RateLimits[service]
	if rpm == 0 {
		rpm = 60
	}
	b := client.NewBase(client.Config{
		ServiceName:       service,
		Timeout:           time.Duration(c.cfg.API.Timeout) * time.Second,
		RequestsPerMinute: rpm,
		RetryPolicy: retry.Policy{
			MaxRetries:   c.cfg.API.MaxRetries,
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
			Jitter:       0.1,
		},
	}, c.logger, c.metrics)
	c.bases[service] = b
	return b
}

// httpClient returns an *http.Client routed through the service's base.
func (c *serviceClients) httpClient(service string) *http.Client {
	return c.base(service).HTTPClient()
}

func buildFactories(ctx context.Context, cfg *config.Config, clients *serviceClients) (map[worker.Type]worker.RoleFactory, error) {
	factories := map[worker.Type]worker.RoleFactory{
		worker.TypeParser: func(workerID string) worker.Role { return parser.New() },
	}

	gen, err := buildGenerator(ctx, cfg, clients)
	if err != nil {
		return nil, err
	}
	factories[worker.TypeAI] = func(workerID string) worker.Role {
		return ai.New(gen, ai.Config{})
	}

	uploader, sink, err := buildObjectStore(cfg, clients)
	if err != nil {
		return nil, err
	}
	factories[worker.TypeMedia] = func(workerID string) worker.Role {
		return media.New(diagram.NewRegistry(), uploader)
	}
	factories[worker.TypeAggregator] = func(workerID string) worker.Role {
		return aggregator.NewWithConfig(sink, aggregator.Config{EmitChapterAggregated: true})
	}

	return factories, nil
}

// buildGenerator assembles the LM generation stack: every configured
// backend (Anthropic primary, OpenAI secondary, Bedrock tertiary) joins
// a failover chain, wrapped with the shared response cache. Each
// backend's HTTP traffic is routed through its ServiceClient base, so
// rate limiting, circuit breaking, retry, and statistics apply at the
// call level; the caching wrapper therefore carries no limiter of its
// own.
func buildGenerator(ctx context.Context, cfg *config.Config, clients *serviceClients) (ai.Generator, error) {
	var backends []ai.NamedGenerator

	if key := cfg.API.APIKeys["anthropic"]; key != "" {
		gen, err := anthropic.NewFromAPIKey(key, "claude-sonnet-4-5", clients.httpClient("anthropic"))
		if err != nil {
			return nil, err
		}
		backends = append(backends, ai.NamedGenerator{Name: "anthropic", Gen: gen})
	}
	if key := cfg.API.APIKeys["openai"]; key != "" {
		gen, err := openai.NewFromAPIKey(key, "gpt-4o", clients.httpClient("openai"))
		if err != nil {
			return nil, err
		}
		backends = append(backends, ai.NamedGenerator{Name: "openai", Gen: gen})
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithHTTPClient(clients.httpClient("bedrock")))
	if err != nil {
		if len(backends) == 0 {
			return nil, fmt.Errorf("no anthropic/openai api key configured and aws config unavailable for bedrock fallback: %w", err)
		}
	} else {
		gen, err := bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(awsCfg),
			DefaultModel: "anthropic.claude-3-sonnet-20240229-v1:0",
		})
		if err != nil {
			return nil, err
		}
		backends = append(backends, ai.NamedGenerator{Name: "bedrock", Gen: gen})
	}

	gen, err := ai.NewFailoverGenerator(backends...)
	if err != nil {
		return nil, err
	}

	var responseCache *cache.Cache
	if cfg.Cache.Size > 0 {
		responseCache = cache.New(cfg.Cache.Size, time.Duration(cfg.Cache.TTL)*time.Second)
	}

	return ai.NewCachingGenerator(gen, responseCache, nil, ai.CachingConfig{
		Model:     backends[0].Name,
		MaxTokens: 1024,
		TTL:       time.Duration(cfg.Cache.TTL) * time.Second,
	}), nil
}

func buildObjectStore(cfg *config.Config, clients *serviceClients) (media.Uploader, aggregator.Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithHTTPClient(clients.httpClient("s3")))
	if err != nil {
		return nil, nil, fmt.Errorf("aws config for object store: %w", err)
	}
	store := objectstore.New(s3.NewFromConfig(awsCfg), "contentpipe-artifacts", "content-pipeline/")

	// With a Redis URL configured, final reports and content files go to
	// the kv store instead of the bucket; image uploads stay on S3 since
	// rewritten bodies need fetchable URLs.
	if cfg.State.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.State.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("state.redis_url: %w", err)
		}
		kv := kvstore.New(redis.NewClient(opts), "contentpipe")
		return store, kvstore.NewReportSink(kv), nil
	}
	return store, store, nil
}

// vcsPublishHandler commits a one-file summary of every completed
// workflow into the configured clone/branch.
func vcsPublishHandler(sink *vcs.Sink, branch string) event.Handler {
	return func(ctx context.Context, e event.Event) error {
		p, ok := e.Payload.(event.PayloadWorkflowCompleted)
		if !ok {
			return nil
		}
		path := fmt.Sprintf("reports/%s.md", e.WorkflowID)
		body := fmt.Sprintf("# Workflow %s\n\n- content items: %d\n- processed images: %d\n- thumbnails: %d\n",
			e.WorkflowID,
			p.AggregationResult.TotalContentItems,
			p.AggregationResult.ProcessedImages,
			p.AggregationResult.GeneratedThumbnails)
		message := fmt.Sprintf("Add workflow report %s", e.WorkflowID)
		return sink.PutFile(path, branch, message, []byte(body))
	}
}

// buildChatSink wires the optional Slack notification sink that posts a
// summary for every WORKFLOW_COMPLETED/WORKFLOW_FAILED event.
func buildChatSink(cfg *config.Config, clients *serviceClients) *chat.Sink {
	if token := cfg.API.APIKeys["slack"]; token != "" {
		return chat.NewFromToken(token, "#content-pipeline", clients.httpClient("slack"))
	}
	return nil
}

func notifyHandler(sink *chat.Sink) event.Handler {
	return func(ctx context.Context, e event.Event) error {
		return sink.Notify(e)
	}
}
