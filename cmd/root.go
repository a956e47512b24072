// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/config"
	"github.com/xkilldash9x/simsync/internal/history"
	"github.com/xkilldash9x/simsync/internal/observability"
	"github.com/xkilldash9x/simsync/internal/session"
)

type contextKey string

const configKey contextKey = "config"

// NewRootCommand builds a fresh command tree. The interactive console builds a
// new one per line so flags never leak between invocations.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "simsync",
		Short:        "simsync mirrors a running simulation's state over WebSocket.",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				basicLogger, _ := zap.NewDevelopment()
				defer basicLogger.Sync()
				basicLogger.Error("Failed to initialize configuration", zap.Error(err))
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "simsync"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting simsync", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.simsync/config.yaml)")
	cmd.PersistentFlags().String("host", "", "simulation server host")
	cmd.PersistentFlags().Int("port", 0, "simulation server port")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newConsoleCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree with args and logs a failure once.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file and SIMSYNC_ environment variables,
// then applies explicit flags on top.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home + "/.simsync")
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SIMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		v.Set("connection.host", host)
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		v.Set("connection.port", port)
	}
	return nil
}

func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration missing from command context")
	}
	return cfg, nil
}

// openSession builds a session with persisted log history when a history
// path is configured.
func openSession(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*session.Session, error) {
	if !cfg.History.Enabled() {
		return session.New(cfg, logger)
	}
	h, err := history.OpenConfigured(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("open log history: %w", err)
	}
	sess, err := session.New(cfg, logger, session.WithHistory(h))
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return sess, nil
}
