package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/teasync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "teasync",
		Short: "Offline-first sync engine for the tea inventory",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newLoginCommand(), newLogoutCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Tea inventory API base URL")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local HTTP listen address")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "SQLite store path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotating log file path")
	cmd.PersistentFlags().Int("request-timeout-seconds", defaults.GetInt("request.timeout_seconds"), "API request timeout in seconds")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the local HTTP API")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "request.timeout_seconds", "request-timeout-seconds")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
