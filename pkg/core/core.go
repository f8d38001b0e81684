// Package core assembles the retrieval stack from one configuration
// snapshot: provider registries, stores, stage components, the pipeline,
// the reasoner, the agent loop and the risk scanner, all held behind a
// single Context with an explicit New/Shutdown lifecycle. Request handlers
// never reach for globals; everything they need hangs off the Context.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/iurislab/relator/pkg/agentic"
	"github.com/iurislab/relator/pkg/audit"
	"github.com/iurislab/relator/pkg/budget"
	"github.com/iurislab/relator/pkg/cograg"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/embedders"
	"github.com/iurislab/relator/pkg/expansion"
	"github.com/iurislab/relator/pkg/graphrag"
	"github.com/iurislab/relator/pkg/graphscan"
	"github.com/iurislab/relator/pkg/graphstore"
	"github.com/iurislab/relator/pkg/lexical"
	"github.com/iurislab/relator/pkg/llms"
	"github.com/iurislab/relator/pkg/observability"
	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/refine"
	"github.com/iurislab/relator/pkg/rerank"
	"github.com/iurislab/relator/pkg/research"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/vector"
)

// Context owns every long-lived component built from the configuration.
// Safe for concurrent use once New returns; all per-request state lives in
// the engines it hands requests to.
type Context struct {
	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer

	obs *observability.Manager

	llms      *llms.Registry
	embedders *embedders.Registry
	research  *research.Registry

	sink   audit.Sink
	limits budget.Limits

	vectorStore vector.Store
	graphStore  graphstore.Store

	lexical  *lexical.Retriever
	vector   *vector.Retriever
	graph    *graphrag.Retriever
	enricher *graphrag.Enricher

	pipeline *pipeline.Orchestrator
	reasoner *cograg.Reasoner
	agent    *agentic.Orchestrator

	scanner *graphscan.Runner
	reports *graphscan.ReportStore
}

// New builds every component the configuration enables and wires them
// together. The config runs through the processing pipeline first, so a
// hand-built Config behaves exactly like a loaded one. logger may be nil;
// the logging section then decides where output goes and Shutdown closes
// the log file.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Context, error) {
	cfg, err := config.ProcessConfigPipeline(cfg)
	if err != nil {
		return nil, err
	}

	c := &Context{cfg: cfg}

	if logger == nil {
		built, closer, err := cfg.Logging.BuildLogger()
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		logger = built
		c.logFile = closer
	}
	c.logger = logger

	// Everything below owns resources; release them when a later step
	// refuses to come up.
	ok := false
	defer func() {
		if !ok {
			_ = c.Shutdown(context.Background())
		}
	}()

	c.obs = observability.NewManager(cfg.Observability)
	if err := c.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := c.initAudit(); err != nil {
		return nil, err
	}
	if err := c.initProviders(); err != nil {
		return nil, err
	}
	if err := c.initStores(); err != nil {
		return nil, err
	}
	if err := c.initEngines(); err != nil {
		return nil, err
	}

	ok = true
	c.logger.Info("core context ready",
		"llms", c.llms.Count(),
		"embedders", c.embedders.Count(),
		"research", c.research.Count(),
		"vector", c.vectorStore != nil,
		"graph", c.graphStore != nil,
		"scan", c.scanner != nil,
	)
	return c, nil
}

// initAudit builds the trace sink: JSONL always, plus the optional SQL
// mirror on the same records.
func (c *Context) initAudit() error {
	if !c.cfg.Audit.Enabled {
		return nil
	}

	jsonl := audit.NewJSONLSink(c.cfg.Audit.TracePath)
	if c.cfg.Audit.SQLDriver == "" {
		c.sink = jsonl
		return nil
	}

	db, err := sql.Open(c.cfg.Audit.SQLDriver, c.cfg.Audit.SQLDSN)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	mirror, err := audit.NewSQLSink(db, c.cfg.Audit.SQLDriver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize audit sql mirror: %w", err)
	}
	c.sink = audit.NewMultiSink(jsonl, mirror)
	return nil
}

// initProviders fills the llm, embedder and research registries from the
// named instances in the config. Registries freeze afterwards; providers
// never change while requests are in flight.
func (c *Context) initProviders() error {
	c.llms = llms.NewRegistry()
	for name, llmCfg := range c.cfg.LLMs {
		if _, err := c.llms.CreateFromConfig(name, llmCfg); err != nil {
			return err
		}
	}
	c.llms.Freeze()

	c.embedders = embedders.NewRegistry()
	for name, embCfg := range c.cfg.Embedders {
		if _, err := c.embedders.CreateFromConfig(name, embCfg); err != nil {
			return err
		}
	}
	c.embedders.Freeze()

	c.research = research.NewRegistry()
	for name, resCfg := range c.cfg.Research {
		if _, err := c.research.CreateFromConfig(name, resCfg); err != nil {
			return err
		}
	}
	c.research.Freeze()
	return nil
}

// initStores builds the retrieval backends. Lexical is the pipeline's
// backbone and must be enabled; vector and graph are optional lanes.
func (c *Context) initStores() error {
	if !c.cfg.Lexical.Enabled {
		return fmt.Errorf("lexical retrieval is required: enable the lexical section")
	}
	client := lexical.NewClient(&c.cfg.Lexical, c.logger)
	c.lexical = lexical.NewRetriever(client, c.logger)

	if c.cfg.Vector.Enabled {
		name := c.cfg.Vector.Embedder
		if name == "" {
			name = c.cfg.DefaultEmbedder()
		}
		if name == "" {
			return fmt.Errorf("vector store enabled but no embedder configured")
		}
		embedder, found := c.embedders.Get(name)
		if !found {
			return fmt.Errorf("vector store references unknown embedder '%s'", name)
		}

		store, err := vector.NewStore(&c.cfg.Vector)
		if err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		c.vectorStore = store
		c.vector = vector.NewRetriever(store, embedder, &c.cfg.Vector, c.logger)
	}

	if c.cfg.Graph.Enabled {
		store, err := graphstore.NewStore(&c.cfg.Graph)
		if err != nil {
			return fmt.Errorf("failed to initialize graph store: %w", err)
		}
		c.graphStore = store
		c.graph = graphrag.NewRetriever(store, &c.cfg.Graph, c.logger)
		c.enricher = graphrag.NewEnricher(store, &c.cfg.Graph, c.logger)
	}
	return nil
}

// initEngines wires the stage components into the pipeline, then the
// engines that sit on top of it.
func (c *Context) initEngines() error {
	c.limits = budget.Limits{
		MaxLLMCalls: c.cfg.Budget.MaxLLMCalls,
		MaxTokens:   c.cfg.Budget.MaxTokens,
		MaxWallTime: time.Duration(c.cfg.Budget.MaxWallSeconds) * time.Second,
		WarnPercent: c.cfg.Budget.WarnPercent,
	}

	expander := expansion.New(c.cfg.Expansion, c.llmFor(c.cfg.Expansion.LLM), c.logger)
	refiner := refine.New(c.cfg.Refine, c.lexical, c.logger)

	var runner *rerank.Runner
	reranker, err := c.buildReranker()
	if err != nil {
		return err
	}
	if reranker != nil {
		runner = rerank.NewRunner(reranker, c.cfg.Rerank, c.logger)
	}

	deps := pipeline.Deps{
		Lexical:  c.lexical,
		Expander: expander,
		Rerank:   runner,
		Refiner:  refiner,
		Enricher: c.enricher,
		Sink:     c.sink,
	}
	// Interface fields must stay nil, not hold nil pointers.
	if c.vector != nil {
		deps.Vector = c.vector
	}
	if c.graph != nil {
		deps.Graph = c.graph
	}

	pipe, err := pipeline.New(&c.cfg.Pipeline, c.cfg.CRAG, c.limits, deps, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	c.pipeline = pipe

	if provider := c.llmFor(c.cfg.CogGRAG.LLM); provider != nil {
		reasoner, err := cograg.New(c.cfg.CogGRAG, c.limits, cograg.Deps{
			Provider: provider,
			Searcher: pipe,
			Sink:     c.sink,
		}, c.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize reasoner: %w", err)
		}
		c.reasoner = reasoner
	}

	if provider := c.llmFor(c.cfg.Agent.LLM); provider != nil {
		agent, err := agentic.New(c.cfg.Agent, c.limits, agentic.Deps{
			Provider: provider,
			Searcher: pipe,
			Research: c.research,
			Sink:     c.sink,
		}, c.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize agent: %w", err)
		}
		c.agent = agent
	}

	if c.cfg.GraphScan.Enabled {
		if c.graphStore == nil {
			return fmt.Errorf("graph_scan requires the graph store: enable the graph section")
		}
		c.scanner = graphscan.NewRunner(c.graphStore, &c.cfg.GraphScan, c.logger)
		if c.cfg.GraphScan.ReportDriver != "" {
			reports, err := graphscan.OpenReportStore(&c.cfg.GraphScan)
			if err != nil {
				return fmt.Errorf("failed to open scan report store: %w", err)
			}
			c.reports = reports
		}
	}
	return nil
}

// buildReranker resolves the reranker's collaborators and constructs it.
// With the provider on "auto" an unbuildable reranker is not an error; the
// stage just stays off, matching how missing pipeline deps degrade. An
// explicit provider choice that cannot be satisfied fails startup.
func (c *Context) buildReranker() (rerank.Reranker, error) {
	provider := c.llmFor(c.cfg.Rerank.LLM)
	var embedder embedders.Embedder
	if name := c.cfg.DefaultEmbedder(); name != "" {
		embedder, _ = c.embedders.Get(name)
	}

	reranker, err := rerank.New(c.cfg.Rerank, provider, embedder, c.logger)
	if err != nil {
		if c.cfg.Rerank.Provider == "auto" {
			c.logger.Info("reranker unavailable, stage disabled", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to initialize reranker: %w", err)
	}
	return reranker, nil
}

// llmFor resolves a named provider instance, falling back to the configured
// default. Returns nil when nothing fits; callers decide whether the
// component can live without a model.
func (c *Context) llmFor(name string) llms.Provider {
	if name == "" {
		name = c.cfg.DefaultLLM()
	}
	if name == "" {
		return nil
	}
	provider, found := c.llms.Get(name)
	if !found {
		return nil
	}
	return provider
}

// Retrieve runs one search request through the full pipeline.
func (c *Context) Retrieve(ctx context.Context, req pipeline.Request) (*retrieval.PipelineResult, error) {
	return c.pipeline.Search(ctx, req)
}

// Reason runs the decompose-gather-reason loop over the pipeline. Requires
// a configured LLM.
func (c *Context) Reason(ctx context.Context, req cograg.Request) (*cograg.Outcome, error) {
	if c.reasoner == nil {
		return nil, retrieval.NewStageError("core", "reason",
			"no llm configured for reasoning", retrieval.ErrUnsupported)
	}
	return c.reasoner.Reason(ctx, req)
}

// AgentStream starts a deep-research agent run and returns its event
// stream. Requires a configured LLM.
func (c *Context) AgentStream(ctx context.Context, req agentic.Request) (<-chan agentic.Event, error) {
	if c.agent == nil {
		return nil, retrieval.NewStageError("core", "agent",
			"no llm configured for the agent", retrieval.ErrUnsupported)
	}
	return c.agent.Stream(ctx, req)
}

// Scan runs the risk detector suite over one tenant's graph and persists
// the report when a report store is configured. Persistence failures keep
// the report; the scan result matters more than the archive copy.
func (c *Context) Scan(ctx context.Context, tenantID string) (*graphscan.Report, error) {
	if c.scanner == nil {
		return nil, retrieval.NewStageError("core", "scan",
			"graph scan is not enabled", retrieval.ErrUnsupported)
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, retrieval.NewStageError("core", "scan",
			"tenant id must not be empty", retrieval.ErrInvalidRequest)
	}

	report, err := c.scanner.Scan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if c.reports != nil {
		if err := c.reports.Save(ctx, report); err != nil {
			c.logger.Warn("failed to persist scan report", "report_id", report.ID, "error", err)
		}
	}
	return report, nil
}

// Config returns the processed configuration snapshot.
func (c *Context) Config() *config.Config { return c.cfg }

// Logger returns the process logger the components share.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Reports returns the scan report store, nil when persistence is off.
func (c *Context) Reports() *graphscan.ReportStore { return c.reports }

// Shutdown releases everything the Context owns, in reverse build order.
// Safe on a partially built Context; every close is attempted and the
// first failure is reported.
func (c *Context) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(component string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", component, err)
		}
	}

	if c.reports != nil {
		record("report store", c.reports.Close())
	}
	if c.graphStore != nil {
		record("graph store", c.graphStore.Close(ctx))
	}
	if c.vectorStore != nil {
		record("vector store", c.vectorStore.Close())
	}
	if c.embedders != nil {
		for _, e := range c.embedders.List() {
			record("embedder", e.Close())
		}
	}
	if c.llms != nil {
		record("llm providers", c.llms.Close())
	}
	if c.sink != nil {
		record("audit sink", c.sink.Close())
	}
	if c.obs != nil {
		record("observability", c.obs.Shutdown(ctx))
	}
	if c.logFile != nil {
		record("log file", c.logFile.Close())
	}
	return firstErr
}
