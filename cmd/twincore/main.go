package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"twincore/internal/config"
	"twincore/internal/intent"
	"twincore/internal/llm"
	"twincore/internal/logging"
	"twincore/internal/persona"
	"twincore/internal/pipeline"
	"twincore/internal/regression"
	"twincore/internal/server"
	"twincore/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool
	apiKey     string
	dbPath     string
	addr       string

	// Logger
	logger *zap.Logger
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

var rootCmd = &cobra.Command{
	Use:   "twincore",
	Short: "twincore - persona compilation and runtime enforcement for digital twins",
	Long: `twincore compiles versioned persona specifications into enforced prompts
and runs every response through a deterministic gate, a two-judge panel,
and a bounded rewrite before anything reaches the user.

Run "twincore serve" to start the HTTP surface, or "twincore chat" for a
one-shot query against a twin.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP serving and admin surface",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat [twin] [query]",
	Short: "Run one query through the full response pipeline",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runChat,
}

var regressCmd = &cobra.Command{
	Use:   "regress [dataset.yaml]",
	Short: "Run a labeled regression dataset through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegress,
}

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Manage persona spec versions",
}

var specCreateCmd = &cobra.Command{
	Use:   "create [spec.yaml]",
	Short: "Import a spec file as a draft version",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecCreate,
}

var specPublishCmd = &cobra.Command{
	Use:   "publish [twin] [version]",
	Short: "Activate a spec version for its twin",
	Args:  cobra.ExactArgs(2),
	RunE:  runSpecPublish,
}

var specListCmd = &cobra.Command{
	Use:   "list [twin]",
	Short: "List stored spec versions for a twin",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecList,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "twincore.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (overrides config/env)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path (overrides config)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	specCmd.AddCommand(specCreateCmd, specPublishCmd, specListCmd)
	rootCmd.AddCommand(serveCmd, chatCmd, regressCmd, specCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if dbPath != "" {
		cfg.Storage.DatabasePath = dbPath
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Initialize(logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Dir:        cfg.Logging.Dir,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// buildPipeline opens the store and wires the full pipeline. The caller owns
// closing the returned store.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, *store.LocalStore, error) {
	st, err := store.NewLocalStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	realizer, err := llm.NewClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	judgeLLM := realizer.WithModel(cfg.LLM.JudgeModel)

	pipe := pipeline.New(cfg, st, realizer, judgeLLM, judgeLLM.Model(), realizer)
	return pipe, st, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe, st, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	watcher, err := store.NewSpecWatcher(st, cfg.Storage.SpecsDir, cfg.Storage.AutoPublish)
	if err != nil {
		return fmt.Errorf("failed to create spec watcher: %w", err)
	}
	if err := watcher.ImportAll(ctx); err != nil {
		logger.Warn("initial spec import failed", zap.Error(err))
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	h := &server.Handler{
		Store:    st,
		Pipeline: pipe,
		Runner:   regression.NewRunner(pipe, cfg),
	}
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(h),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pipe, st, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	twinID := args[0]
	query := strings.Join(args[1:], " ")

	resp, err := pipe.Respond(ctx, twinID, query, intent.Context{Channel: intent.ChannelOwner})
	if err != nil {
		return err
	}

	fmt.Println(resp.Text)
	fmt.Println()
	tr := resp.Trace
	fmt.Println(dimStyle.Render(fmt.Sprintf(
		"trace=%s intent=%s spec=%s variant=%s gate=%t draft=%.2f final=%.2f outcome=%s",
		tr.TraceID, tr.IntentLabel, tr.PersonaSpecVersion, tr.PersonaPromptVariant,
		tr.DeterministicGatePassed, tr.DraftPersonaScore, tr.FinalPersonaScore, tr.Outcome)))
	return nil
}

func runRegress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ds, err := regression.LoadDataset(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	pipe, st, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := regression.NewRunner(pipe, cfg).Run(ctx, ds)
	if err != nil {
		return err
	}

	fmt.Println(headStyle.Render(fmt.Sprintf("Regression: %s (%d cases)", ds.TwinID, report.Total)))
	fmt.Printf("  pass rate:              %s\n", renderRate(report.PassRate, cfg.Regression.MinPassRate))
	fmt.Printf("  adversarial pass rate:  %s\n", renderRate(report.AdversarialPassRate, cfg.Regression.MinAdversarialPassRate))
	fmt.Printf("  channel isolation rate: %s\n", renderRate(report.ChannelIsolationPassRate, cfg.Regression.MinChannelIsolationRate))
	for _, f := range report.Failures {
		fmt.Printf("  %s %s: %s\n", failStyle.Render("FAIL"), f.CaseID, strings.Join(f.Reasons, "; "))
	}
	if report.GatePassed {
		fmt.Println(okStyle.Render("GATE PASSED"))
		return nil
	}
	fmt.Println(failStyle.Render("GATE FAILED"))
	os.Exit(1)
	return nil
}

func renderRate(got, min float64) string {
	s := fmt.Sprintf("%.3f (min %.2f)", got, min)
	if got >= min {
		return okStyle.Render(s)
	}
	return failStyle.Render(s)
}

func runSpecCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewLocalStore(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	content, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	spec := &persona.Spec{}
	if err := yaml.Unmarshal(content, spec); err != nil {
		return fmt.Errorf("failed to parse spec file: %w", err)
	}
	if err := st.CreateSpec(context.Background(), spec); err != nil {
		return err
	}
	fmt.Printf("created draft %s@%s\n", spec.TwinID, spec.Version)
	return nil
}

func runSpecPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewLocalStore(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PublishSpec(context.Background(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("published %s@%s", args[0], args[1])))
	return nil
}

func runSpecList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewLocalStore(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	specs, err := st.ListSpecs(ctx, args[0])
	if err != nil {
		return err
	}
	activeVersion := ""
	if active, err := st.ActiveSpec(ctx, args[0]); err == nil {
		activeVersion = active.Version
	}

	for _, s := range specs {
		marker := "  "
		if s.Version == activeVersion {
			marker = okStyle.Render("* ")
		}
		fmt.Printf("%s%s  %s  %s\n", marker, s.Version, s.Status,
			dimStyle.Render(s.CreatedAt.Format(time.RFC3339)))
	}
	return nil
}

