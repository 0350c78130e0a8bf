package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qcgateway/qcgateway/internal/broker"
	"github.com/qcgateway/qcgateway/internal/config"
	"github.com/qcgateway/qcgateway/internal/metrics"
	"github.com/qcgateway/qcgateway/internal/resultbackend"
	"github.com/qcgateway/qcgateway/internal/version"
	"github.com/qcgateway/qcgateway/server"
	"github.com/qcgateway/qcgateway/server/auth"
)

var rootCmd = &cobra.Command{
	Use:   "qcgateway",
	Short: `An authenticated HTTP gateway that dispatches quantum-chemistry compute jobs onto a worker fleet and hands back results.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		settings, err := config.Load(ctx)
		if err != nil {
			slog.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
		if addr := viper.GetString("addr"); addr != "" {
			settings.Addr = addr
		}
		if port := viper.GetInt("port"); port != 0 {
			settings.Port = port
		}

		brokerClient, err := newBrokerClient(settings)
		if err != nil {
			slog.Error("failed to connect to broker", "error", err)
			os.Exit(1)
		}

		backend, err := resultbackend.NewMongoBackend(ctx, settings.ResultBackendMongoURI, settings.ResultBackendMongoDB)
		if err != nil {
			printBackendError(err, settings)
			slog.Error("failed to connect to result backend", "error", err)
			os.Exit(1)
		}

		srv := server.NewServer(server.Dependencies{
			Settings:      settings,
			Broker:        brokerClient,
			Backend:       backend,
			MetricsExport: metrics.NewExporter(),
			Guard:         auth.NewGuard(settings),
			Exchanger:     auth.NewExchanger(settings),
		})

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM.
		// The default signal sent by the `kill` command is SIGTERM,
		// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes.
		signal.Notify(c, terminationSignals...)

		go func() {
			<-c
			slog.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("error during shutdown", "error", err)
			}
			cancel()
		}()

		printGreetings(settings)

		if err := srv.Start(ctx); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server stopped unexpectedly", "error", err)
				cancel()
			}
		}

		<-ctx.Done()
	},
}

func newBrokerClient(settings *config.Settings) (*broker.RedisClient, error) {
	opts, err := redis.ParseURL(settings.BrokerRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker redis url: %w", err)
	}
	return broker.NewRedisClient(redis.NewClient(opts)), nil
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8080, "port of server")

	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("qcgateway")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(settings *config.Settings) {
	fmt.Printf("qcgateway %s started successfully!\n", version.String())
	fmt.Printf("Mode: %s\n", settings.Mode)
	fmt.Printf("Compute API: %s%s\n", settings.APIV2Str, settings.APIComputePrefix)
	fmt.Printf("OAuth API: %s%s\n", settings.APIV2Str, settings.APIOAuthPrefix)

	if settings.Addr == "" {
		fmt.Printf("Server running on port %d\n", settings.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", settings.Addr, settings.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func printBackendError(err error, settings *config.Settings) {
	fmt.Fprintln(os.Stderr, "\nResult backend connection failed")
	fmt.Fprintln(os.Stderr, "--------------------------------")
	fmt.Fprintf(os.Stderr, "URI: %s\n", settings.ResultBackendMongoURI)
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no reachable servers") {
		fmt.Fprintln(os.Stderr, "\nMongoDB is not reachable. Start it with:")
		fmt.Fprintln(os.Stderr, "  docker run -p 27017:27017 mongo:7")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
