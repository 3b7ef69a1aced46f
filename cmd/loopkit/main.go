// Command loopkit indexes document directories into a hybrid index and
// answers questions over them with a tool-calling agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/loopkit/loopkit/pkg/agent"
	"github.com/loopkit/loopkit/pkg/config"
	"github.com/loopkit/loopkit/pkg/embedder"
	"github.com/loopkit/loopkit/pkg/keyword"
	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/observability"
	"github.com/loopkit/loopkit/pkg/rag"
	"github.com/loopkit/loopkit/pkg/tools"
	"github.com/loopkit/loopkit/pkg/vector"
)

type cli struct {
	Verbose bool   `short:"v" help:"Enable debug logging."`
	Config  string `short:"c" help:"Path to a YAML config file." type:"existingfile"`

	Index indexCmd `cmd:"" help:"Index a directory of documents."`
	Ask   askCmd   `cmd:"" help:"Ask a question over the indexed documents."`
	Watch watchCmd `cmd:"" help:"Watch a directory and keep the index in sync."`
}

type indexCmd struct {
	Dir       string `arg:"" help:"Directory to index."`
	Pattern   string `help:"File name pattern, e.g. '*.md'."`
	Recursive bool   `default:"true" help:"Descend into subdirectories."`
	Refresh   bool   `help:"Clear the index and re-ingest everything."`
}

type askCmd struct {
	Query    string `arg:"" help:"The question to answer."`
	Stream   bool   `default:"true" help:"Stream the answer as it is generated."`
	MaxSteps int    `default:"50" help:"Step budget for the agent loop."`
	Trace    string `help:"Write a markdown execution trace to this path."`
}

type watchCmd struct {
	Dir       string `arg:"" help:"Directory to watch."`
	Pattern   string `help:"File name pattern, e.g. '*.md'."`
	Recursive bool   `default:"true" help:"Descend into subdirectories."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("loopkit"),
		kong.Description("Hybrid-RAG agent toolkit."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if c.Config != "" {
		cfg, err = config.LoadFile(c.Config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		kctx.FatalIfErrorf(err)
	}

	if _, err := observability.Init(ctx, observability.TracerConfig{
		Enabled:      cfg.TracingEnabled,
		EndpointURL:  cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSampling,
		ServiceName:  "loopkit",
	}); err != nil {
		kctx.FatalIfErrorf(err)
	}

	kctx.FatalIfErrorf(kctx.Run(&runContext{ctx: ctx, cfg: cfg}))
}

type runContext struct {
	ctx context.Context
	cfg *config.Config
}

func (c *indexCmd) Run(rc *runContext) error {
	pipeline, closers, err := buildPipeline(rc.cfg)
	if err != nil {
		return err
	}
	defer closers()

	loader := &rag.DirectoryLoader{Path: c.Dir, Pattern: c.Pattern, Recursive: c.Recursive}

	var stats rag.Stats
	if c.Refresh {
		stats, err = pipeline.Refresh(rc.ctx, loader)
	} else {
		stats, err = pipeline.Sync(rc.ctx, loader)
	}
	if err != nil {
		return err
	}
	fmt.Println(stats.String())
	return nil
}

func (c *askCmd) Run(rc *runContext) error {
	pipeline, closers, err := buildPipeline(rc.cfg)
	if err != nil {
		return err
	}
	defer closers()

	client, err := buildClient(rc.cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	registry, err := tools.NewRegistry([]tools.Definition{searchTool(pipeline)})
	if err != nil {
		return err
	}

	ag, err := agent.New(agent.Config{
		Name:   "loopkit",
		Client: client,
		Tools:  registry,
		SystemMessage: "You answer questions using the search_documents tool. " +
			"Search before answering and cite the passages you used.",
	})
	if err != nil {
		return err
	}

	runCfg := agent.RunConfig{MaxSteps: c.MaxSteps, TracePath: c.Trace}

	if !c.Stream {
		state, err := ag.Run(rc.ctx, c.Query, runCfg)
		if err != nil {
			return err
		}
		if assistant, ok := state.LastAssistantMessage(); ok {
			fmt.Println(assistant.Content)
		}
		return nil
	}

	state, err := ag.RunWithEvents(rc.ctx, c.Query, runCfg, func(ev agent.Event) {
		switch e := ev.(type) {
		case agent.TextDelta:
			fmt.Print(e.Delta)
		case agent.ToolCallStarted:
			fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", e.Name, e.Arguments)
		case agent.AgentFailed:
			fmt.Fprintf(os.Stderr, "\n[failed] %s\n", e.Error)
		}
	})
	if err != nil {
		return err
	}
	fmt.Println()
	if state.Status.Kind != agent.StatusComplete {
		return fmt.Errorf("run finished with status %s", state.Status)
	}
	return nil
}

func (c *watchCmd) Run(rc *runContext) error {
	pipeline, closers, err := buildPipeline(rc.cfg)
	if err != nil {
		return err
	}
	defer closers()

	loader := &rag.DirectoryLoader{Path: c.Dir, Pattern: c.Pattern, Recursive: c.Recursive}
	if _, err := pipeline.Sync(rc.ctx, loader); err != nil {
		return err
	}

	watcher := rag.NewWatcher(pipeline, rag.WatcherConfig{Path: c.Dir, Loader: loader})
	err = watcher.Run(rc.ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// searchTool exposes the pipeline's hybrid search to the agent.
func searchTool(pipeline *rag.Pipeline) tools.Definition {
	type searchArgs struct {
		Query string `json:"query" jsonschema:"description=The search query"`
		TopK  int    `json:"top_k,omitempty" jsonschema:"description=How many passages to return"`
	}
	return tools.Definition{
		Name:        "search_documents",
		Description: "Search the indexed documents and return the most relevant passages.",
		Schema:      tools.MustSchemaFor[searchArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args searchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if args.TopK <= 0 {
				args.TopK = 5
			}
			results, err := pipeline.Search(ctx, args.Query, args.TopK, rag.RRF())
			if err != nil {
				return nil, err
			}
			type passage struct {
				Document string  `json:"document"`
				Content  string  `json:"content"`
				Score    float64 `json:"score"`
			}
			passages := make([]passage, 0, len(results))
			for _, r := range results {
				passages = append(passages, passage{
					Document: r.DocumentID,
					Content:  r.Content,
					Score:    r.Score,
				})
			}
			return json.Marshal(map[string]any{"passages": passages})
		},
	}
}

func buildClient(cfg *config.Config) (llm.Client, error) {
	return llm.NewClient(llm.ProviderConfig{
		Type:    llm.ProviderType(cfg.LLMProvider),
		Model:   cfg.LLMModel,
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
	})
}

func buildEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.EmbedderProvider {
	case "ollama":
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.EmbedderBaseURL,
			Model:   cfg.EmbedderModel,
		})
	case "openai":
		return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:  cfg.EmbedderAPIKey,
			BaseURL: cfg.EmbedderBaseURL,
			Model:   cfg.EmbedderModel,
		})
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.EmbedderProvider)
	}
}

func buildVector(cfg *config.Config) (vector.Provider, error) {
	switch cfg.VectorProvider {
	case "qdrant":
		return vector.NewQdrantProvider(vector.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
		})
	case "chromem":
		return vector.NewChromemProvider(vector.ChromemConfig{
			PersistPath: cfg.VectorPersistPath,
		})
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.VectorProvider)
	}
}

func buildPipeline(cfg *config.Config) (*rag.Pipeline, func(), error) {
	emb, err := buildEmbedder(cfg)
	if err != nil {
		return nil, nil, err
	}
	vectors, err := buildVector(cfg)
	if err != nil {
		return nil, nil, err
	}
	keywords, err := keyword.NewSQLiteIndex(cfg.KeywordIndexPath)
	if err != nil {
		vectors.Close()
		return nil, nil, err
	}

	pipeline, err := rag.NewPipeline(rag.PipelineConfig{
		Collection:         cfg.Collection,
		SkipEmptyDocuments: true,
		UseHints:           true,
		EnableVersioning:   true,
	}, emb, vectors, keywords)
	if err != nil {
		vectors.Close()
		keywords.Close()
		return nil, nil, err
	}

	closers := func() {
		keywords.Close()
		vectors.Close()
	}
	return pipeline, closers, nil
}
