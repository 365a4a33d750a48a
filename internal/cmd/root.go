// Package cmd implements the conductor command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Run batches of interdependent code-modification tasks in parallel",
	Long: `Conductor executes a batch of code-modification tasks against one shared
workspace. Tasks run in parallel when their declared files do not overlap,
each in a private staging area, and commit atomically. Commits that collide
with another task's changes are detected and retried against fresh content.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/conductor/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	// CONDUCTOR_POOL_WORKERS overrides pool.workers, and so on
	config.BindEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
