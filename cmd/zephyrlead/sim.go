package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlead/pkg/bus"
	"github.com/ryandielhenn/zephyrlead/pkg/election"
	"github.com/ryandielhenn/zephyrlead/pkg/store"
)

var (
	simPeers int
	simFor   time.Duration
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run several in-process peers and show convergence",
	RunE:  runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().IntVar(&simPeers, "peers", 3, "number of peers to start")
	simCmd.Flags().DurationVar(&simFor, "duration", 2*time.Second, "how long to let the group run")
}

func runSim(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	broker := bus.NewBroker()
	shared := store.NewMemory()

	coords := make([]*election.Coordinator, 0, simPeers)
	for i := 0; i < simPeers; i++ {
		c, err := election.New(election.Config{
			AppKey: "sim",
			Bus:    broker.Join("sim"),
			Store:  shared,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("start peer %d: %w", i, err)
		}
		coords = append(coords, c)
	}

	time.Sleep(simFor)

	actives := 0
	for _, c := range coords {
		s := c.State()
		if s.Active {
			actives++
		}
		fmt.Printf("peer %s  active=%-5v  instances=%d\n", c.ID(), s.Active, s.Instances)
	}
	fmt.Printf("converged with %d active peer(s) out of %d\n", actives, simPeers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range coords {
		if err := c.Shutdown(ctx); err != nil {
			logger.Warn("shutdown failed", zap.String("peer", c.ID().String()), zap.Error(err))
		}
	}
	return nil
}
