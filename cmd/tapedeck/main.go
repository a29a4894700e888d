package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tapedeck/tapedeck/internal/capture"
	"github.com/tapedeck/tapedeck/internal/device"
	"github.com/tapedeck/tapedeck/internal/log"
	"github.com/tapedeck/tapedeck/internal/metrics"
	"github.com/tapedeck/tapedeck/internal/model"
	"github.com/tapedeck/tapedeck/internal/service"
	"github.com/tapedeck/tapedeck/internal/store"
)

var (
	userConfigPath string // /default/config/path/tapedeck on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagCollectionID   int64
	flagCollectionName string
	flagFollow         bool
	flagLogs           bool
	flagMaxAge         string
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "tapedeck")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is tapedeck.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	captureCmd.Flags().Int64Var(&flagCollectionID, "collection-id", 0, "collection the capture belongs to")
	captureCmd.Flags().StringVar(&flagCollectionName, "collection-name", "", "collection name, used for the output directory")
	captureCmd.Flags().BoolVar(&flagFollow, "follow", false, "print every job change, not only the final state")
	_ = captureCmd.MarkFlagRequired("collection-id")
	_ = captureCmd.MarkFlagRequired("collection-name")

	jobsCmd.Flags().Int64Var(&flagCollectionID, "collection-id", 0, "list only jobs of this collection")
	jobsCmd.Flags().BoolVar(&flagLogs, "logs", false, "include the captured output lines of every job")
	cleanupCmd.Flags().StringVar(&flagMaxAge, "max-age", "", "ISO-8601 age of jobs to remove - default is service.cleanup.max_age")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initTapedeck
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	}

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("tapedeck failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tapedeck",
	Short:        "Tool capturing DV tapes into collections",
	SilenceUsage: true,
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "capture records one tape and waits until the capture ends",
	RunE:  doCapture,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the capture service with periodic cleanup and metrics",
	RunE:  doServe,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "jobs lists persisted capture jobs as JSON lines",
	RunE:  doJobs,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "cleanup removes finished jobs older than --max-age",
	RunE:  doCleanup,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "probe reports whether a capture device is attached",
	RunE:  doProbe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a tapedeck",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("tapedeck: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("tapedeck: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("tapedeck",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

// openRegistry opens the configured store and a registry on top of it. The
// returned close function releases the store.
func openRegistry(ctx context.Context, m *metrics.Metrics) (*capture.Registry, func(), error) {
	st, err := store.Open(ctx, config.Store)
	if err != nil {
		return nil, nil, err
	}
	registry, err := capture.Open(ctx, capture.ConfigFrom(config), capture.NewDeps(config, st, m))
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return registry, func() {
		if err := st.Close(); err != nil {
			slog.ErrorContext(ctx, "closing store", "error", err)
		}
	}, nil
}

func doCapture(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, closeStore, err := openRegistry(ctx, metrics.New())
	if err != nil {
		return err
	}
	defer closeStore()

	supervisor := service.NewOneshot(registry, service.NewJSONReporter(cmd.OutOrStdout())).SetFollow(flagFollow)
	supervisor.Start(flagCollectionID, flagCollectionName)
	return supervisor.Do(ctx)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	registry, closeStore, err := openRegistry(ctx, m)
	if err != nil {
		return err
	}
	defer closeStore()

	supervisor, err := service.NewSupervisor(ctx, config.Service, registry, m)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

// doJobs and doCleanup go straight to the store: a registry would need the
// store lock, which a live daemon or capture holds.
func doJobs(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	st, err := store.Open(ctx, config.Store)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	jobs, err := st.List(ctx)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	reporter := service.NewJSONReporter(cmd.OutOrStdout())
	for _, job := range jobs {
		if cmd.Flags().Changed("collection-id") && job.CollectionID != flagCollectionID {
			continue
		}
		if !flagLogs {
			reporter.Report(ctx, job)
			continue
		}
		logs, err := st.Logs(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("listing logs of %s: %w", job.ID, err)
		}
		reporter.ReportLogs(ctx, job, logs)
	}
	return nil
}

func doCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	maxAge := config.Service.Cleanup.MaxAge
	if flagMaxAge != "" {
		maxAge = model.ISODuration(flagMaxAge)
	}
	d, err := maxAge.Parse()
	if err != nil {
		return fmt.Errorf("parsing --max-age %q: %w", maxAge, err)
	}

	st, err := store.Open(ctx, config.Store)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	n, err := service.CleanupStore(ctx, st, d, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", n)
	return err
}

func doProbe(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	present := device.FromConfig(config.Device).Present(ctx)
	state := "absent"
	if present {
		state = "present"
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "device: %s\n", state)
	return err
}

func initTapedeck(cmd *cobra.Command, _ []string) error {
	// .env is optional, it usually carries store credentials
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if envConfig, ok := os.LookupEnv("TAPEDECKCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "tapedeck.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "tapedeck.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closer, err := log.Output(config.Service.Log)
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(log.New(config.Service.Verbose, w))

	slog.Debug("tapedeck run", "configPath", configPath)
	slog.Debug("tapedeck run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
