// Command smith is the codesmith orchestrator daemon and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codesmith/internal/config"
	"codesmith/internal/logging"
)

// version is stamped by the build.
var version = "dev"

var configPath string

func main() {
	// .env before config so CODESMITH_* overrides see the values.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "smith",
		Short:         "Multi-model code generation orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "codesmith.yaml", "path to the YAML configuration")

	root.AddCommand(newServeCmd())
	root.AddCommand(newModelsCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the root logger. Configuration
// failure is the only fatal startup error.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("smith %s\n", version)
		},
	}
}
