package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/executor/payment"
	"batch-pipeline/pkg/executor/upload"

	"github.com/spf13/cobra"
)

type submitFlags struct {
	count       int
	concurrency int
	hold        bool
	wait        bool
	interval    time.Duration
}

func (f *submitFlags) register(cmd *cobra.Command, defaultCount int) {
	cmd.Flags().IntVar(&f.count, "count", defaultCount, "number of items in the batch")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 3, "maximum items running at once")
	cmd.Flags().BoolVar(&f.hold, "hold", false, "register the batch without starting it")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "follow the batch until it finishes")
	cmd.Flags().DurationVar(&f.interval, "interval", 500*time.Millisecond, "poll interval with --wait")
}

func (f *submitFlags) validate() error {
	if f.count < 1 {
		return errors.New("--count must be at least 1")
	}
	if f.hold && f.wait {
		return errors.New("--hold and --wait cannot be combined; start the batch, then watch it")
	}
	return nil
}

func newUploadsCmd(a *app) *cobra.Command {
	var (
		f            submitFlags
		size         int64
		stagingDir   string
		missingEvery int
		artist       string
	)

	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Submit an upload batch of synthetic tracks",
		Example: `  # Stage five 256 KiB files and upload them
  simulator uploads --staging-dir ./staging --wait

  # Reference a missing file every third item
  simulator uploads --staging-dir ./staging --count 9 --missing-every 3 --wait`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			if size < 0 {
				return errors.New("--size must not be negative")
			}
			specs, err := uploadItems(f.count, size, stagingDir, missingEvery, artist)
			if err != nil {
				return err
			}
			return a.submit(cmd, batch.SubmissionRequest{
				Kind:             batch.KindUpload,
				Items:            specs,
				ConcurrencyLimit: f.concurrency,
			}, f)
		},
	}

	f.register(cmd, 5)
	cmd.Flags().Int64Var(&size, "size", 256<<10, "size of each staged file in bytes")
	cmd.Flags().StringVar(&stagingDir, "staging-dir", "", "write the source files into this directory (the api's UPLOAD_STAGING_DIR)")
	cmd.Flags().IntVar(&missingEvery, "missing-every", 0, "reference a missing source file every n-th item")
	cmd.Flags().StringVar(&artist, "artist", "Simulator", "artist recorded on every track")
	return cmd
}

func uploadItems(count int, size int64, stagingDir string, missingEvery int, artist string) ([]batch.ItemSpec, error) {
	specs := make([]batch.ItemSpec, 0, count)
	for i := 1; i <= count; i++ {
		name := fmt.Sprintf("track-%03d.mp3", i)
		source := name
		if missingEvery > 0 && i%missingEvery == 0 {
			source = "missing/" + name
		} else if stagingDir != "" {
			if err := stageFile(filepath.Join(stagingDir, name), size); err != nil {
				return nil, err
			}
		}

		cfg, err := json.Marshal(upload.Config{
			FileName:    name,
			Source:      source,
			Title:       fmt.Sprintf("Track %d", i),
			ContentType: "audio/mpeg",
			SizeBytes:   size,
			Artist:      artist,
		})
		if err != nil {
			return nil, err
		}
		specs = append(specs, batch.ItemSpec{ID: fmt.Sprintf("track-%03d", i), Config: cfg})
	}
	return specs, nil
}

func stageFile(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	data := make([]byte, size)
	_, _ = rand.Read(data)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	return nil
}

func newPayoutsCmd(a *app) *cobra.Command {
	var (
		f         submitFlags
		amount    float64
		currency  string
		method    string
		failEvery int
	)

	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Submit a payment run paying synthetic recipients",
		Example: `  # Pay ten recipients 25 USD each by card
  simulator payouts --count 10 --amount 25 --wait

  # Use a disabled method every fourth item
  simulator payouts --fail-every 4 --wait`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			specs, err := payoutItems("payout", f.count, func(int) float64 { return amount }, currency, method, failEvery)
			if err != nil {
				return err
			}
			return a.submit(cmd, batch.SubmissionRequest{
				Kind:             batch.KindPaymentRun,
				Items:            specs,
				ConcurrencyLimit: f.concurrency,
			}, f)
		},
	}

	f.register(cmd, 10)
	cmd.Flags().Float64Var(&amount, "amount", 25, "gross amount paid to each recipient")
	cmd.Flags().StringVar(&currency, "currency", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVar(&method, "method", "card", "payment method")
	cmd.Flags().IntVar(&failEvery, "fail-every", 0, "use an unavailable payment method every n-th item")
	return cmd
}

// unavailableMethod is never in the method table, so items using it fail
// with method_unavailable.
const unavailableMethod = "carrier_pigeon"

func payoutItems(prefix string, count int, amount func(i int) float64, currency, method string, failEvery int) ([]batch.ItemSpec, error) {
	specs := make([]batch.ItemSpec, 0, count)
	for i := 1; i <= count; i++ {
		m := method
		if failEvery > 0 && i%failEvery == 0 {
			m = unavailableMethod
		}
		cfg, err := json.Marshal(payment.Config{
			RecipientID: fmt.Sprintf("rcpt-%04d", i),
			Amount:      amount(i),
			Currency:    currency,
			Method:      m,
			Memo:        prefix + " simulation",
		})
		if err != nil {
			return nil, err
		}
		specs = append(specs, batch.ItemSpec{ID: fmt.Sprintf("%s-%03d", prefix, i), Config: cfg})
	}
	return specs, nil
}

func (a *app) submit(cmd *cobra.Command, req batch.SubmissionRequest, f submitFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var (
		id  string
		err error
	)
	if f.hold {
		id, err = a.client.Prepare(ctx, req)
	} else {
		id, err = a.client.Submit(ctx, req)
	}
	if err != nil {
		if id != "" {
			return fmt.Errorf("batch %s: %w", id, err)
		}
		return err
	}

	state := "submitted"
	if f.hold {
		state = "held"
	}
	fmt.Fprintf(out, "%s %s batch %s with %d items\n", state, req.Kind, id, len(req.Items))
	if !f.wait {
		return nil
	}
	return a.follow(cmd, id, f.interval)
}
