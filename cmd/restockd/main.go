package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"k8s.io/component-base/cli"
	"k8s.io/component-base/logs"
	_ "k8s.io/component-base/metrics/prometheus/version" // for version metric registration
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
)

func main() {
	code := cli.Run(newRootCommand())
	os.Exit(code)
}

// options are the flags shared by every subcommand
type options struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "restockd",
		Short: "Hyperlocal demand forecasting and restock decisions",
		Long: `restockd ingests daily sales per zone and item, forecasts the next days
of demand, and decides how much to restock for every tracked key.`,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file (defaults to environment variables)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	logs.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newRunCommand(opts),
		newOnceCommand(opts),
		newDecisionsCommand(opts),
		newSimulateCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// load reads the dotenv file, if any, and then the configuration
func (o *options) load() (*config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			klog.V(2).InfoS("No env file found, using environment variables", "path", o.envFile)
		}
	}

	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.LoadFromEnv()
}
