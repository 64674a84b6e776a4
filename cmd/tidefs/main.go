package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidefs/pkg/config"
	"tidefs/pkg/coordinator"
	"tidefs/pkg/registry"
)

var version = "dev"

var (
	configPath string
	dataDir    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidefs",
		Short: "tidefs coordinator and tooling",
		Long:  "tidefs is the metadata coordinator for a block-replicated file store:\nnamespace, write leases, block placement and lease-driven recovery.",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (JSON)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "override the metadata directory")

	rootCmd.AddCommand(coordinatorCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings() (config.Settings, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return config.Settings{}, err
		}
		cfg = loaded
	} else {
		cfg = config.LoadFromEnv()
	}
	if dataDir != "" {
		cfg.Coordinator.DataDir = dataDir
	}
	return cfg.Coordinator.Resolve()
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("TIDEFS_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func coordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the metadata coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg := registry.New(settings.NodeStaleAfter, settings.NodeDeadAfter, logger.Named("registry"))

			promReg := prometheus.NewRegistry()
			coord, err := coordinator.New(settings, reg, logger.Named("coordinator"), coordinator.Options{
				Metrics: coordinator.NewMetrics(promReg),
			})
			if err != nil {
				return err
			}
			coord.Start()

			if settings.MetricsAddress != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
					logger.Info("Serving metrics", zap.String("address", settings.MetricsAddress))
					if err := http.ListenAndServe(settings.MetricsAddress, mux); err != nil {
						logger.Error("Metrics server stopped", zap.Error(err))
					}
				}()
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			logger.Info("Shutting down")
			return coord.Stop()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tidefs version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tidefs %s\n", version)
		},
	}
}
