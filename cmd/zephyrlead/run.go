package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlead/internal/telemetry"
	"github.com/ryandielhenn/zephyrlead/pkg/bus"
	"github.com/ryandielhenn/zephyrlead/pkg/election"
	"github.com/ryandielhenn/zephyrlead/pkg/store"
)

var (
	appKey        string
	etcdEndpoints []string
	listenAddr    string
	debug         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one peer until interrupted",
	Long: `Start a single peer and serve its state over HTTP.

Examples:
  # Coordinate across processes through etcd
  zephyrlead run --app-key=myapp --etcd-endpoints=http://localhost:2379

  # Single-process demo with an in-memory bus/store
  zephyrlead run --app-key=myapp --listen=:8080`,
	RunE: runPeer,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&appKey, "app-key", "zephyrlead", "application key namespacing the peer group")
	runCmd.Flags().StringSliceVar(&etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints shared by the peer group (in-memory bus/store when empty)")
	runCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address for the state/metrics HTTP endpoints")
	runCmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")
}

func runPeer(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var (
		b  bus.Bus
		st store.Store
	)
	if len(etcdEndpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   etcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		b = bus.NewEtcd(cli, appKey)
		st = store.NewEtcd(cli)
	} else {
		logger.Warn("no etcd endpoints given: coordination is process-local only")
		b = bus.NewBroker().Join(appKey)
		st = store.NewMemory()
	}

	coord, err := election.New(election.Config{
		AppKey: appKey,
		Bus:    b,
		Store:  st,
		Logger: logger,
		OnChange: func(s election.Snapshot) {
			logger.Info("state changed",
				zap.Bool("active", s.Active),
				zap.Int("instances", s.Instances))
		},
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		data, _ := json.Marshal(coord.State())
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()
	logger.Info("peer running", zap.String("listen", listenAddr), zap.String("id", coord.ID().String()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	return coord.Shutdown(ctx)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
