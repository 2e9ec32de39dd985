// Package payment implements the batch executor for payout runs. Each item
// pays one recipient through a configured method after deducting its fee.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"batch-pipeline/pkg/batch"
)

// Config is the per-item configuration of a payment run.
type Config struct {
	RecipientID string  `json:"recipient_id"`
	Account     string  `json:"account,omitempty"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Method      string  `json:"method"`
	Memo        string  `json:"memo,omitempty"`
}

// Receipt is the result data of a settled item.
type Receipt struct {
	RecipientID string  `json:"recipient_id"`
	Amount      float64 `json:"amount"`
	Fee         float64 `json:"fee"`
	Net         float64 `json:"net"`
	Currency    string  `json:"currency"`
	Method      string  `json:"method"`
	Reference   string  `json:"reference"`
}

type Executor struct {
	methods Methods
	settler Settler
	logger  *slog.Logger
}

// New returns a payment executor. A nil methods table falls back to
// DefaultMethods.
func New(methods Methods, settler Settler, logger *slog.Logger) (*Executor, error) {
	if settler == nil {
		return nil, errors.New("payment settler is required")
	}
	if len(methods) == 0 {
		methods = DefaultMethods()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		methods: methods,
		settler: settler,
		logger:  logger.With("component", "payment_executor"),
	}, nil
}

func (e *Executor) Kind() batch.Kind { return batch.KindPaymentRun }

func (e *Executor) Validate(raw json.RawMessage) []batch.FieldError {
	cfg, err := parseConfig(raw)
	if err != nil {
		return []batch.FieldError{{Message: err.Error()}}
	}

	var fields []batch.FieldError
	if strings.TrimSpace(cfg.RecipientID) == "" {
		fields = append(fields, batch.FieldError{Field: "recipient_id", Message: "is required"})
	}
	if cfg.Amount <= 0 {
		fields = append(fields, batch.FieldError{Field: "amount", Message: "must be positive"})
	}
	if !validCurrency(cfg.Currency) {
		fields = append(fields, batch.FieldError{Field: "currency", Message: "must be a 3-letter ISO code"})
	}
	if strings.TrimSpace(cfg.Method) == "" {
		fields = append(fields, batch.FieldError{Field: "method", Message: "is required"})
	}
	return fields
}

// Execute settles one payout. Method availability is checked at execution
// time so a method disabled mid-run fails only the items not yet started.
func (e *Executor) Execute(ctx context.Context, task batch.Task, rep batch.Reporter) (batch.Result, error) {
	cfg, err := parseConfig(task.Config)
	if err != nil {
		return batch.Result{}, batch.SettlementError("invalid payment config", err)
	}

	method, err := e.methods.Lookup(cfg.Method)
	if err != nil {
		return batch.Result{}, err
	}
	fee, net := ComputeFee(cfg.Amount, method.Fee)
	if net <= 0 {
		return batch.Result{}, batch.SettlementError(
			fmt.Sprintf("fee %.2f consumes the whole amount %.2f", fee, cfg.Amount), nil)
	}
	rep.Progress(20)

	currency := strings.ToUpper(cfg.Currency)
	payout := Payout{
		BatchID:     task.BatchID,
		ItemID:      task.ItemID,
		RecipientID: cfg.RecipientID,
		Account:     cfg.Account,
		Amount:      net,
		Currency:    currency,
		Method:      method.Name,
		Memo:        cfg.Memo,
	}
	rep.Progress(50)
	ref, err := e.settler.Settle(ctx, payout)
	if err != nil {
		return batch.Result{}, batch.SettlementError("settle payout", err)
	}
	rep.Progress(100)

	e.logger.DebugContext(ctx, "payout settled",
		"batch_id", task.BatchID,
		"item_id", task.ItemID,
		"method", method.Name,
		"net", net,
		"reference", ref,
	)

	data, err := json.Marshal(Receipt{
		RecipientID: cfg.RecipientID,
		Amount:      cfg.Amount,
		Fee:         fee,
		Net:         net,
		Currency:    currency,
		Method:      method.Name,
		Reference:   ref,
	})
	if err != nil {
		return batch.Result{}, batch.SettlementError("encode receipt", err)
	}
	return batch.Result{Data: data, Value: cfg.Amount}, nil
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, errors.New("config is required")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode payment config: %w", err)
	}
	return cfg, nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
