package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/procctl/internal/config"
	"github.com/zjrosen/procctl/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
	cfgErr  error

	// closeLog releases the log file opened for the current command.
	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "procctl",
	Short: "Remote process control over a message broker",
	Long: `procctl pauses, resumes, kills and inspects processes through a
message broker, and follows their lifecycle broadcasts.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(*cobra.Command, []string) { closeLog() },
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .procctl/config.yaml, then ~/.config/procctl/config.yaml)")
}

func initConfig() {
	viper.Reset()
	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix("PROCCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .procctl/config.yaml (current directory)
		// 2. ~/.config/procctl/config.yaml (user config)
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			viper.SetConfigFile(config.DefaultConfigPath)
		} else if dir := config.UserConfigDir(); dir != "" {
			viper.AddConfigPath(dir)
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	cfgErr = nil
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit --config that does not exist is reported by the
		// commands that need it; defaults apply otherwise.
		if !errors.As(err, &notFound) && !(cfgFile != "" && errors.Is(err, fs.ErrNotExist)) {
			cfgErr = fmt.Errorf("reading config: %w", err)
			return
		}
	}

	cfg, cfgErr = config.Load(viper.GetViper())
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	if cfgErr != nil {
		return cfgErr
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o750); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		cleanup, err := log.Init(cfg.Log.File)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		closeLog = cleanup
	} else {
		log.InitWriter(cmd.ErrOrStderr())
		closeLog = func() {}
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetMinLevel(level)
	log.Debug(log.CatCLI, "command starting", "command", cmd.CommandPath(), "config", viper.ConfigFileUsed())
	return nil
}

// configPath is the file config commands read and write.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return config.DefaultConfigPath
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
