// Command oscroute listens for, sends and demonstrates routed OSC traffic.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lcx/oscroute/app"
	"github.com/lcx/oscroute/config"
	"github.com/lcx/oscroute/log"
	"github.com/lcx/oscroute/plugin"
)

var (
	// Global flags
	configDir string
	env       string
	transport string

	cm config.ConfigManager
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oscroute",
		Short: "Route OSC messages between applications",
		Long: `oscroute sends and receives OSC messages over UDP multicast or over
virtual endpoints sharing one channel, and dispatches them to handlers by
address pattern.`,
		PersistentPreRunE: initialize,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "Directory holding oscapp.yaml and friends")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "Environment sub-directory searched after --config-dir")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "Transport factory, overrides oscapp.transport")

	rootCmd.AddCommand(newListenCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newDemoCommand())
	return rootCmd
}

// initialize points the process config manager at --config-dir and brings
// up the sections that are present.
func initialize(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	cm = config.GetInstance()
	cm.SetBasePath(configDir)
	cm.SetEnvironment(env)

	if haveConfig(log.LoggerConfigName) {
		if err := log.InitializeWithConfigManager(cm); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}
	if haveConfig(plugin.ConfigName) {
		if err := plugin.InitPlugins(cm); err != nil {
			return err
		}
	}
	return nil
}

// haveConfig reports whether name.yaml exists where the manager looks.
func haveConfig(name string) bool {
	for _, dir := range []string{configDir, filepath.Join(configDir, env)} {
		if _, err := os.Stat(filepath.Join(dir, name+".yaml")); err == nil {
			return true
		}
	}
	return false
}

// loadAppConfig reads oscapp.yaml, falling back to the defaults when the
// file does not exist, and applies --transport.
func loadAppConfig() (*app.Config, error) {
	cfg, err := app.LoadConfig(cm)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info().Str("dir", configDir).Msg("no oscapp config, using defaults")
		cfg = app.DefaultConfig()
	}
	if transport != "" {
		cfg.Transport = transport
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func shutdown() {
	if err := plugin.DestroyPlugins(); err != nil {
		log.Warn().Err(err).Msg("destroy plugins")
	}
	config.ResetInstance()
	cm = nil
}
