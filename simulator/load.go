package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"batch-pipeline/pkg/batch"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var loadMethods = []string{"card", "bank_transfer", "wallet"}

func newLoadCmd(a *app) *cobra.Command {
	var (
		rate        int
		concurrency int
		duration    time.Duration
		batchSize   int
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Submit payout batches at a steady rate",
		Long: `Submits small payout batches with random amounts and methods at --rate
batches per second, spread over --concurrency submitters, until --duration
elapses or the command is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rate < 1 || concurrency < 1 || batchSize < 1 {
				return errors.New("--rate, --concurrency and --batch-size must be at least 1")
			}
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			var submitted, failed atomic.Int64
			g, ctx := errgroup.WithContext(ctx)
			for w := range concurrency {
				g.Go(func() error {
					a.submitLoop(ctx, w, max(rate/concurrency, 1), batchSize, &submitted, &failed)
					return nil
				})
			}
			_ = g.Wait()

			fmt.Fprintf(cmd.OutOrStdout(), "submitted=%d failed=%d\n", submitted.Load(), failed.Load())
			return nil
		},
	}

	cmd.Flags().IntVar(&rate, "rate", 1, "batches per second")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "parallel submitters")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 5, "items per batch")
	return cmd
}

func (a *app) submitLoop(ctx context.Context, worker, rps, batchSize int, submitted, failed *atomic.Int64) {
	interval := time.Second / time.Duration(rps)
	if interval < time.Millisecond {
		interval = time.Millisecond // keep the API from being flooded by a tight loop
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n++
		prefix := fmt.Sprintf("load-%d-%d", worker, n)
		method := loadMethods[rand.IntN(len(loadMethods))]
		specs, err := payoutItems(prefix, batchSize, func(int) float64 {
			return float64(10+rand.IntN(490)) + float64(rand.IntN(100))/100
		}, "USD", method, 0)
		if err != nil {
			failed.Add(1)
			continue
		}

		_, err = a.client.Submit(ctx, batch.SubmissionRequest{
			Kind:             batch.KindPaymentRun,
			Items:            specs,
			ConcurrencyLimit: 2,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed.Add(1)
			continue
		}
		submitted.Add(1)
	}
}
