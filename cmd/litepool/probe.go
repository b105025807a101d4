package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/guileen/litepool/config"
	"github.com/guileen/litepool/engine"
	"github.com/guileen/litepool/logger"
	"github.com/guileen/litepool/manager"
	"github.com/guileen/litepool/pool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type probeOptions struct {
	Query       string
	Vars        string
	Strict      bool
	Concurrency int
	Stats       bool
}

// probeResult is printed as one JSON line per worker.
type probeResult struct {
	Worker       int               `json:"worker"`
	ConnectionID string            `json:"connection_id"`
	Duration     string            `json:"duration"`
	Responses    []engine.Response `json:"responses"`
}

func newProbeCommand() *cobra.Command {
	var po probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a query through a connection pool against the configured target",
		Example: `  litepool probe
  LITEPOOL_TARGET=remote LITEPOOL_ENDPOINT=127.0.0.1:5433 litepool probe -n 8
  litepool probe -q 'RETURN $x' --vars '{"x": 1}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cfg, po, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&po.Query, "query", "q", manager.ValidationQuery, "Statements to execute")
	cmd.Flags().StringVar(&po.Vars, "vars", "", "JSON object of variables bound to the query")
	cmd.Flags().BoolVar(&po.Strict, "strict", false, "Execute in strict mode")
	cmd.Flags().IntVarP(&po.Concurrency, "concurrency", "n", 1, "Number of concurrent workers")
	cmd.Flags().BoolVar(&po.Stats, "stats", false, "Print pool statistics after the run")
	return cmd
}

func runProbe(ctx context.Context, cfg *config.Config, po probeOptions, out io.Writer) error {
	if po.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	var vars engine.Vars
	if po.Vars != "" {
		if err := json.Unmarshal([]byte(po.Vars), &vars); err != nil {
			return fmt.Errorf("invalid --vars: %w", err)
		}
	}

	mgr, err := cfg.Manager()
	if err != nil {
		return err
	}
	p, err := pool.New(ctx, mgr, cfg.Pool.PoolConfig())
	if err != nil {
		return err
	}
	defer p.Close()

	logger.Debug("Probing", "address", mgr.Address(), "concurrency", po.Concurrency)

	results := make([]probeResult, po.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < po.Concurrency; i++ {
		i := i
		g.Go(func() error {
			return p.Do(gctx, func(ctx context.Context, conn *manager.Connection) error {
				start := time.Now()
				responses, err := conn.Execute(ctx, po.Query, vars, po.Strict)
				if err != nil {
					return err
				}
				results[i] = probeResult{
					Worker:       i,
					ConnectionID: conn.ID().String(),
					Duration:     time.Since(start).String(),
					Responses:    responses,
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if po.Stats {
		return enc.Encode(p.Stat())
	}
	return nil
}

