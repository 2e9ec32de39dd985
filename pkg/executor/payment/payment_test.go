package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/executor/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepReporter struct{ percents []int }

func (r *stepReporter) Progress(p int) { r.percents = append(r.percents, p) }
func (r *stepReporter) PostProcessing() {}

type settlerFunc func(context.Context, payment.Payout) (string, error)

func (f settlerFunc) Settle(ctx context.Context, p payment.Payout) (string, error) { return f(ctx, p) }

func payout(t *testing.T, cfg payment.Config) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func TestComputeFee(t *testing.T) {
	tests := []struct {
		amount, spec float64
		fee, net     float64
	}{
		{amount: 1000, spec: 0.029, fee: 29, net: 971},
		{amount: 1000, spec: 5, fee: 5, net: 995},
		{amount: 1000, spec: 1, fee: 1, net: 999},
		{amount: 19.99, spec: 0.015, fee: 0.3, net: 19.69},
		{amount: 250, spec: 0, fee: 0, net: 250},
		{amount: 3, spec: 5, fee: 5, net: -2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v@%v", tt.amount, tt.spec), func(t *testing.T) {
			fee, net := payment.ComputeFee(tt.amount, tt.spec)
			assert.InDelta(t, tt.fee, fee, 1e-9)
			assert.InDelta(t, tt.net, net, 1e-9)
		})
	}
}

func TestMethodsFromConfig(t *testing.T) {
	methods := payment.MethodsFromConfig(
		map[string]float64{"Card": 0.029, "bank_transfer": 5, "crypto": 0.01},
		[]string{" CRYPTO "},
	)
	assert.Equal(t, []string{"bank_transfer", "card", "crypto"}, methods.Names())

	m, err := methods.Lookup("CARD")
	require.NoError(t, err)
	assert.InDelta(t, 0.029, m.Fee, 1e-9)

	_, err = methods.Lookup("crypto")
	assert.Equal(t, batch.CodeMethodUnavail, batch.CodeOf(err))
	_, err = methods.Lookup("cheque")
	assert.Equal(t, batch.CodeMethodUnavail, batch.CodeOf(err))

	assert.Equal(t, payment.DefaultMethods().Names(), payment.MethodsFromConfig(nil, nil).Names())
}

func TestExecutor_Validate(t *testing.T) {
	exec, err := payment.New(nil, payment.NewLedger(100), nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		raw    string
		fields []string
	}{
		{name: "valid", raw: `{"recipient_id":"r1","amount":10,"currency":"usd","method":"card"}`},
		{name: "empty", raw: `{}`, fields: []string{"recipient_id", "amount", "currency", "method"}},
		{name: "bad currency", raw: `{"recipient_id":"r1","amount":10,"currency":"US1","method":"card"}`, fields: []string{"currency"}},
		{name: "negative amount", raw: `{"recipient_id":"r1","amount":-3,"currency":"EUR","method":"card"}`, fields: []string{"amount"}},
		{name: "malformed", raw: `[]`, fields: []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var names []string
			for _, fe := range exec.Validate(json.RawMessage(tt.raw)) {
				names = append(names, fe.Field)
			}
			assert.Equal(t, tt.fields, names)
		})
	}
}

func TestExecutor_Execute(t *testing.T) {
	ledger := payment.NewLedger(2000)
	exec, err := payment.New(payment.DefaultMethods(), ledger, nil)
	require.NoError(t, err)

	rep := &stepReporter{}
	res, err := exec.Execute(context.Background(), batch.Task{
		BatchID: "run-1",
		ItemID:  "p1",
		Config:  payout(t, payment.Config{RecipientID: "artist-9", Amount: 1000, Currency: "usd", Method: "card"}),
	}, rep)
	require.NoError(t, err)

	assert.InDelta(t, 1000.0, res.Value, 1e-9)
	assert.Equal(t, []int{20, 50, 100}, rep.percents)

	var receipt payment.Receipt
	require.NoError(t, json.Unmarshal(res.Data, &receipt))
	assert.Equal(t, "artist-9", receipt.RecipientID)
	assert.InDelta(t, 29.0, receipt.Fee, 1e-9)
	assert.InDelta(t, 971.0, receipt.Net, 1e-9)
	assert.Equal(t, "USD", receipt.Currency)
	assert.Equal(t, "card", receipt.Method)
	assert.Contains(t, receipt.Reference, "ldg_")

	assert.InDelta(t, 1029.0, ledger.Balance(), 1e-9)
}

func TestExecutor_ExecuteFailures(t *testing.T) {
	methods := payment.MethodsFromConfig(map[string]float64{"card": 0.029, "bank_transfer": 5, "wire": 25}, []string{"wire"})

	tests := []struct {
		name    string
		cfg     payment.Config
		settler payment.Settler
		code    batch.ErrorCode
	}{
		{
			name: "unknown method",
			cfg:  payment.Config{RecipientID: "r", Amount: 10, Currency: "USD", Method: "cheque"},
			code: batch.CodeMethodUnavail,
		},
		{
			name: "disabled method",
			cfg:  payment.Config{RecipientID: "r", Amount: 100, Currency: "USD", Method: "wire"},
			code: batch.CodeMethodUnavail,
		},
		{
			name: "fee consumes amount",
			cfg:  payment.Config{RecipientID: "r", Amount: 5, Currency: "USD", Method: "bank_transfer"},
			code: batch.CodeSettlement,
		},
		{
			name: "insufficient funds",
			cfg:  payment.Config{RecipientID: "r", Amount: 500, Currency: "USD", Method: "card"},
			code: batch.CodeSettlement,
		},
		{
			name: "provider error",
			cfg:  payment.Config{RecipientID: "r", Amount: 10, Currency: "USD", Method: "card"},
			settler: settlerFunc(func(context.Context, payment.Payout) (string, error) {
				return "", errors.New("account frozen")
			}),
			code: batch.CodeSettlement,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settler := tt.settler
			if settler == nil {
				settler = payment.NewLedger(100)
			}
			exec, err := payment.New(methods, settler, nil)
			require.NoError(t, err)

			_, err = exec.Execute(context.Background(), batch.Task{BatchID: "b", ItemID: "i", Config: payout(t, tt.cfg)}, &stepReporter{})
			require.Error(t, err)
			assert.Equal(t, tt.code, batch.CodeOf(err))
		})
	}
}

func TestLedger_Idempotent(t *testing.T) {
	ledger := payment.NewLedger(50)
	ctx := context.Background()

	first, err := ledger.Settle(ctx, payment.Payout{BatchID: "b", ItemID: "1", Amount: 20})
	require.NoError(t, err)
	again, err := ledger.Settle(ctx, payment.Payout{BatchID: "b", ItemID: "1", Amount: 20})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.InDelta(t, 30.0, ledger.Balance(), 1e-9)

	_, err = ledger.Settle(ctx, payment.Payout{BatchID: "b", ItemID: "2", Amount: 30.01})
	assert.ErrorIs(t, err, payment.ErrInsufficientFunds)
}

func TestExecutor_PayoutRunInCoordinator(t *testing.T) {
	// Enough for two of the three 100.00 payouts after fees.
	ledger := payment.NewLedger(200)
	exec, err := payment.New(payment.DefaultMethods(), ledger, nil)
	require.NoError(t, err)

	c, err := batch.NewCoordinator(batch.Options{Registry: batch.NewRegistry(exec)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	specs := make([]batch.ItemSpec, 3)
	for i := range specs {
		specs[i] = batch.ItemSpec{
			ID:     fmt.Sprintf("p%d", i+1),
			Config: payout(t, payment.Config{RecipientID: fmt.Sprintf("r%d", i+1), Amount: 100, Currency: "USD", Method: "bank_transfer"}),
		}
	}
	id, err := c.Submit(context.Background(), batch.SubmissionRequest{Kind: batch.KindPaymentRun, Items: specs, ConcurrencyLimit: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, id)
	require.NoError(t, err)

	s := snap.Summary
	require.NotNil(t, s)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 200.0, s.AggregateValue, 1e-9)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "p3", s.Failures[0].ItemID)
	assert.Equal(t, batch.CodeSettlement, s.Failures[0].Code)
	assert.InDelta(t, 10.0, ledger.Balance(), 1e-9)
}
