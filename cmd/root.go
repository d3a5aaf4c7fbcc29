package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay-backend/config"
)

var (
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Human escalation relay",
	Long: `Relay lets automated agents hand a question to a human provider.

Questions and conversation messages travel end-to-end encrypted; the relay
tracks request state, gates callers by API key and notifies consumers by
signed webhook when an answer arrives.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	v = config.New()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	if err := v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}

	var err error
	cfg, err = config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func parseLevel(s string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	}
	return log.LevelInfo, fmt.Errorf("invalid log level %q", s)
}
