package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/observability"
)

type contextKey string

const (
	configKey contextKey = "config"
	viperKey  contextKey = "viper"
)

// NewRootCommand builds a fresh command tree. Each call is independent, so tests
// and embedders never share flag state.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "promptpilot",
		Short:         "PromptPilot delivers queued prompts to a remote agent chat.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "promptpilot"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "promptpilot"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting PromptPilot",
				zap.String("version", Version), zap.String("config_file", v.ConfigFileUsed()))

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, viperKey, v)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./promptpilot.yaml or ~/.promptpilot/promptpilot.yaml)")
	cmd.PersistentFlags().String("discovery-url", "", "remote debugging target listing URL")
	cmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newTargetsCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree with ctx, which should be cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	return execute(ctx, NewRootCommand())
}

func execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	observability.GetLogger().Error("Command execution failed", zap.Error(err))
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return err
}

// initializeConfig wires the config file, PROMPTPILOT_* environment variables and
// flags into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("promptpilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".promptpilot"))
		}
	}

	config.BindEnvironment(v)

	if f := cmd.Flags().Lookup("discovery-url"); f != nil {
		if err := v.BindPFlag("remote.discovery_url", f); err != nil {
			return err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment only.
	}
	return nil
}

func configFromContext(ctx context.Context) (*config.Config, *viper.Viper, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, nil, errors.New("configuration not loaded")
	}
	v, _ := ctx.Value(viperKey).(*viper.Viper)
	return cfg, v, nil
}
