package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ticpu/heicfs/pkg/artifact"
	"github.com/ticpu/heicfs/pkg/imaging"
	"github.com/ticpu/heicfs/pkg/pathmap"
	"github.com/ticpu/heicfs/pkg/pipeline"
	"github.com/ticpu/heicfs/pkg/server/fuse"
)

var (
	cfgFile string
	verbose int

	rootCmd = &cobra.Command{
		Use:           "heicfs",
		Short:         "FUSE filesystem that converts images to HEIC on demand",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	rootCmd.AddCommand(newMountCmd(), newPurgeCmd(), newSetupCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	setConfigDefaults()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("heicfs")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "heicfs"))
		}
	}
	viper.SetEnvPrefix("HEICFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or TOML)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "verbose logging (-v info, -vv debug, -vvv trace)")

	rootCmd.PersistentFlags().String("mount-point", "", "directory to mount the virtual tree")
	rootCmd.PersistentFlags().String("cache-root", "", "artifact cache directory")
	rootCmd.PersistentFlags().Int("workers", 0, "conversion workers (0 = CPU count)")

	bindConfig("mount_point", rootCmd.PersistentFlags().Lookup("mount-point"))
	bindConfig("cache.root_path", rootCmd.PersistentFlags().Lookup("cache-root"))
	bindConfig("workers", rootCmd.PersistentFlags().Lookup("workers"))
}

func setupLogging(cfg Config) {
	level := logrus.WarnLevel
	switch {
	case verbose >= 3:
		level = logrus.TraceLevel
	case verbose == 2:
		level = logrus.DebugLevel
	case verbose == 1:
		level = logrus.InfoLevel
	default:
		if parsed, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			level = parsed
		}
	}
	logrus.SetLevel(level)
}

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount the virtual HEIC tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return runMount(cfg)
		},
	}
	cmd.Flags().Int("prefetch", 0, "convert this many upcoming siblings ahead of reads")
	cmd.Flags().Bool("allow-other", false, "allow other users to access the mount")
	bindConfig("fuse.prefetch_count", cmd.Flags().Lookup("prefetch"))
	bindConfig("fuse.allow_other", cmd.Flags().Lookup("allow-other"))
	return cmd
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Empty the artifact cache (required after changing encoder settings)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg)
			store, err := artifact.Open(artifact.Options{
				Root:         cfg.Cache.RootPath,
				MaxSizeBytes: cfg.Cache.MaxSizeBytes,
			})
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.PurgeAll(); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "cache purged")
			return nil
		},
	}
}

func runMount(cfg Config) error {
	log := logrus.StandardLogger()

	roots := make([]pathmap.SourceRoot, 0, len(cfg.SourcePaths))
	for _, sp := range cfg.SourcePaths {
		detector, err := imaging.NewDetector(sp.Patterns)
		if err != nil {
			return fmt.Errorf("source %s: %w", sp.MountName, err)
		}
		roots = append(roots, pathmap.SourceRoot{
			RealRoot:  sp.Path,
			MountName: sp.MountName,
			Recursive: sp.Recursive,
			Detector:  detector,
		})
	}

	mapper, err := pathmap.New(roots, cfg.MountPoint)
	if err != nil {
		return err
	}

	encoder, err := imaging.NewEncoder(cfg.Heic.Params())
	if err != nil {
		return err
	}

	// Prefetch scans real directories directly, so it uses the broad
	// default gate rather than any per-root pattern set.
	prefetchDetector, err := imaging.NewDetector(nil)
	if err != nil {
		return err
	}

	store, err := artifact.Open(artifact.Options{
		Root:         cfg.Cache.RootPath,
		MaxSizeBytes: cfg.Cache.MaxSizeBytes,
		MemoryBytes:  cfg.Cache.MemoryBytes,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	pool := pipeline.New(pipeline.Options{
		Workers: cfg.Workers,
		Encode:  encoder.Encode,
		Store:   store,
		Logger:  log,
	})
	defer pool.Close()

	if err := ensureMountpointAccessible(cfg.MountPoint); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithField("mountpoint", cfg.MountPoint).Info("mounting heicfs")
	return fuse.Mount(ctx, fuse.Options{
		Mountpoint:    cfg.MountPoint,
		Mapper:        mapper,
		Store:         store,
		Pool:          pool,
		Detector:      prefetchDetector,
		AttrTimeout:   time.Duration(cfg.Fuse.AttrTimeoutSeconds) * time.Second,
		PrefetchCount: cfg.Fuse.PrefetchCount,
		AllowOther:    cfg.Fuse.AllowOther,
		Logger:        log,
	})
}
