// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shamak1/azure-mfa-auth/internal/config"
	"github.com/shamak1/azure-mfa-auth/internal/observability"
)

// NewRootCmd builds the command tree around its own Viper instance.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "mfa-auth",
		Short:         "Signs test users in to Microsoft Entra ID and impersonates Dataverse users in Chrome.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 1. Defaults, environment and the optional config file.
			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Unmarshal, validate and store the configuration globally
			cfg, err := config.Load(v)
			if err != nil {
				if cfg != nil {
					observability.InitializeLogger(cfg.Logger)
				} else {
					observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "mfa-auth"})
				}
				return err
			}

			// 3. Initialize the logger
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting mfa-auth", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().Bool("headless", true, "run Chrome without a window")
	_ = v.BindPFlag("browser.headless", rootCmd.PersistentFlags().Lookup("headless"))

	rootCmd.AddCommand(newLoginCmd(v))
	rootCmd.AddCommand(newBrowseCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree. ctx is cancelled on SIGINT/SIGTERM by main.
func Execute(ctx context.Context) error {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		// Cancellation during shutdown is not a failure worth reporting.
		if ctx.Err() == nil || !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and the environment are enough.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
