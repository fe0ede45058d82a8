package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpersona/agent-runner/internal/config"
	"github.com/openpersona/agent-runner/internal/contextsnap"
	"github.com/openpersona/agent-runner/internal/dispatch"
	"github.com/openpersona/agent-runner/internal/domain"
	"github.com/openpersona/agent-runner/internal/engine"
	"github.com/openpersona/agent-runner/internal/logging"
	"github.com/openpersona/agent-runner/internal/persona"
	"github.com/openpersona/agent-runner/internal/provider"
	"github.com/openpersona/agent-runner/internal/provider/anthropic"
	"github.com/openpersona/agent-runner/internal/provider/jules"
	"github.com/openpersona/agent-runner/internal/provider/stub"
	"github.com/openpersona/agent-runner/internal/runstore"
	"github.com/openpersona/agent-runner/internal/schedule"
	"github.com/openpersona/agent-runner/internal/sink"
)

var (
	runTaskName    string
	runMode        string
	runDir         string
	runFiles       []string
	runInclude     []string
	runExclude     []string
	runDiffBase    string
	runParallelism int
	runTimeoutS    int
	runBranch      string
	runSource      string
	runModel       string
	runPreflight   string
	runQuiet       bool
	listStatus     string
	listTask       string
	listLimit      int
	pruneMaxDays   int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run PERSONA [PERSONA...]",
		Short: "Execute personas against the repository",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runTaskName, "task", "adhoc", "task name recorded in the run")
	runCmd.Flags().StringVar(&runMode, "mode", "full-repo", "context mode: full-repo, diff, directory, files")
	runCmd.Flags().StringVar(&runDir, "dir", "", "directory for directory mode")
	runCmd.Flags().StringSliceVar(&runFiles, "file", nil, "explicit files for files mode")
	runCmd.Flags().StringSliceVar(&runInclude, "include", nil, "allow glob patterns")
	runCmd.Flags().StringSliceVar(&runExclude, "exclude", nil, "deny glob patterns")
	runCmd.Flags().StringVar(&runDiffBase, "diff-base", "", "base ref for diff mode")
	runCmd.Flags().IntVar(&runParallelism, "parallelism", 0, "concurrent personas (0 = config default)")
	runCmd.Flags().IntVar(&runTimeoutS, "timeout", 0, "run timeout in seconds (0 = config default)")
	runCmd.Flags().StringVar(&runBranch, "starting-branch", "", "provider starting branch override")
	runCmd.Flags().StringVar(&runSource, "source", "", "provider source override")
	runCmd.Flags().StringVar(&runModel, "model", "", "provider model override")
	runCmd.Flags().StringVar(&runPreflight, "preflight", "", "preflight mode: strict or lenient")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "suppress persona output on stdout")
	rootCmd.AddCommand(runCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listTask, "task", "", "filter by task name")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "show at most N runs")
	rootCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its persona outputs",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	logsCmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Print the log of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	rootCmd.AddCommand(logsCmd)

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired sealed runs per the retention policy",
		RunE:  runPrune,
	}
	pruneCmd.Flags().IntVar(&pruneMaxDays, "max-age-days", 0, "override retention.days (0 = config)")
	rootCmd.AddCommand(pruneCmd)

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled jobs from the schedule file",
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(daemonCmd)

	personasCmd := &cobra.Command{
		Use:   "personas",
		Short: "List available persona definitions",
		RunE:  runPersonas,
	}
	rootCmd.AddCommand(personasCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agent-runner %s\n", version)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func buildRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register("stub", func() (provider.Provider, error) { return stub.New(), nil })
	reg.Register("jules", func() (provider.Provider, error) { return jules.New(), nil })
	reg.Register("anthropic", func() (provider.Provider, error) { return anthropic.New(), nil })
	return reg
}

// cliFlag maps a settings key to its command line override, shared by all
// providers.
func cliFlag(key string) string {
	switch key {
	case "starting_branch":
		return runBranch
	case "source":
		return runSource
	case "model":
		return runModel
	}
	return ""
}

// resolveSettings builds the immutable per-persona settings snapshot.
func resolveSettings(cfg *config.Config, personas []domain.Persona) map[string]provider.ResolvedSettings {
	out := make(map[string]provider.ResolvedSettings, len(personas))
	for _, p := range personas {
		p := p
		out[p.Name] = provider.Resolve(p.Provider, provider.Sources{
			PersonaSetting: func(key string) string { return p.Setting(p.Provider, key) },
			CLIFlag:        cliFlag,
			ConfigDefault:  func(key string) string { return cfg.ProviderDefault(p.Provider, key) },
			EnvPrefix:      strings.ToUpper(p.Provider),
		}, cfg.RunTimeout())
	}
	return out
}

func buildEngine(cfg *config.Config) (*engine.Engine, *runstore.Store, error) {
	store, err := runstore.Open(config.ExpandPath(cfg.General.StateDir))
	if err != nil {
		return nil, nil, err
	}
	reg := buildRegistry()
	log := logging.NewCLI(verbose)
	eng := engine.New(contextsnap.New(cfg.Context), dispatch.New(reg, log), store, reg, log)
	return eng, store, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mode, err := domain.ParseContextMode(runMode)
	if err != nil {
		return err
	}
	task := domain.Task{
		Name:     runTaskName,
		Mode:     mode,
		Dir:      runDir,
		Files:    runFiles,
		Include:  runInclude,
		Exclude:  runExclude,
		DiffBase: runDiffBase,
	}

	personas, err := persona.LoadAll(config.ExpandPath(cfg.General.PersonasDir), args)
	if err != nil {
		return err
	}

	eng, store, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	parallelism := cfg.Execution.Parallelism
	if runParallelism > 0 {
		parallelism = runParallelism
	}
	timeout := cfg.RunTimeout()
	if runTimeoutS > 0 {
		timeout = time.Duration(runTimeoutS) * time.Second
	}
	preflight := cfg.Preflight.Mode
	if runPreflight != "" {
		preflight = runPreflight
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := eng.StartRun(ctx, engine.RunRequest{
		Task:          task,
		Personas:      personas,
		Settings:      resolveSettings(cfg, personas),
		Policy:        dispatch.Policy{Parallelism: parallelism, RunTimeout: timeout},
		PreflightMode: preflight,
	})
	if err != nil {
		return err
	}

	if cfg.Output.PrintStdout && !runQuiet {
		results, err := store.Results(run.ID)
		if err != nil {
			return err
		}
		if err := sink.NewStdout(os.Stdout).Print(run, results); err != nil {
			return err
		}
	} else {
		fmt.Println(run.ID)
	}
	if run.Status == domain.RunAborted {
		return fmt.Errorf("run %s aborted: %s", run.ID, run.Reason)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := runstore.Open(config.ExpandPath(cfg.General.StateDir))
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(runstore.ListFilter{
		Status: domain.RunStatus(listStatus),
		Task:   listTask,
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	return sink.NewStdout(os.Stdout).Summary(runs)
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := runstore.Open(config.ExpandPath(cfg.General.StateDir))
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Get(args[0])
	if err != nil {
		return err
	}
	results, err := store.Results(run.ID)
	if err != nil {
		return err
	}
	return sink.NewStdout(os.Stdout).Print(run, results)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := runstore.Open(config.ExpandPath(cfg.General.StateDir))
	if err != nil {
		return err
	}
	defer store.Close()

	raw, err := store.ReadRunLog(args[0])
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(raw)
	return err
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := runstore.Open(config.ExpandPath(cfg.General.StateDir))
	if err != nil {
		return err
	}
	defer store.Close()

	policy := cfg.RetentionPolicy()
	if pruneMaxDays > 0 {
		policy = domain.RetentionPolicy{Enabled: true, MaxAge: time.Duration(pruneMaxDays) * 24 * time.Hour}
	}
	if !policy.Enabled {
		fmt.Println("Retention is disabled; enable it in config or pass --max-age-days")
		return nil
	}

	pruner := runstore.NewPruner(store, logging.NewCLI(verbose))
	pruned, err := pruner.Prune(policy, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d runs\n", len(pruned))
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, store, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	log := logging.NewCLI(verbose)
	runJob := func(ctx context.Context, job schedule.Job) error {
		personas, err := persona.LoadAll(config.ExpandPath(cfg.General.PersonasDir), job.Personas)
		if err != nil {
			return err
		}
		run, err := eng.StartRun(ctx, engine.RunRequest{
			Task:          job.DomainTask(),
			Personas:      personas,
			Settings:      resolveSettings(cfg, personas),
			Policy:        dispatch.Policy{Parallelism: cfg.Execution.Parallelism, RunTimeout: cfg.RunTimeout()},
			PreflightMode: cfg.Preflight.Mode,
		})
		if err != nil {
			return err
		}
		if run.Status == domain.RunAborted {
			return fmt.Errorf("run %s aborted: %s", run.ID, run.Reason)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon := schedule.NewDaemon(config.ExpandPath(cfg.General.ScheduleFile), runJob, log)
	fmt.Printf("Watching %s for scheduled jobs\n", cfg.General.ScheduleFile)
	if err := daemon.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runPersonas(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := config.ExpandPath(cfg.General.PersonasDir)
	names, err := persona.List(dir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("No personas found in %s\n", dir)
		return nil
	}
	for _, name := range names {
		p, err := persona.Load(dir, name)
		if err != nil {
			fmt.Printf("%-20s (unloadable: %v)\n", name, err)
			continue
		}
		state := ""
		if !p.Enabled {
			state = " [disabled]"
		}
		fmt.Printf("%-20s %s via %s%s\n", name, p.Title(), p.Provider, state)
	}
	return nil
}
