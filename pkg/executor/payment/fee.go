package payment

import (
	"math"
	"slices"
	"sort"
	"strings"

	"batch-pipeline/pkg/batch"
)

// Method is a payout rail and its fee specification. A Fee below 1 is a
// fraction of the amount; 1 or more is a flat amount in the payout currency.
type Method struct {
	Name      string
	Fee       float64
	Available bool
}

// Methods indexes payout methods by name.
type Methods map[string]Method

// DefaultMethods is used when no fee table is configured.
func DefaultMethods() Methods {
	return Methods{
		"card":          {Name: "card", Fee: 0.029, Available: true},
		"bank_transfer": {Name: "bank_transfer", Fee: 5, Available: true},
		"wallet":        {Name: "wallet", Fee: 0.015, Available: true},
	}
}

// MethodsFromConfig builds the method table from a name→fee map. Names in
// disabled are kept but marked unavailable.
func MethodsFromConfig(fees map[string]float64, disabled []string) Methods {
	if len(fees) == 0 {
		fees = make(map[string]float64)
		for name, m := range DefaultMethods() {
			fees[name] = m.Fee
		}
	}
	off := make([]string, 0, len(disabled))
	for _, d := range disabled {
		off = append(off, normalize(d))
	}

	methods := make(Methods, len(fees))
	for name, fee := range fees {
		name = normalize(name)
		if name == "" {
			continue
		}
		methods[name] = Method{Name: name, Fee: fee, Available: !slices.Contains(off, name)}
	}
	return methods
}

// Lookup returns the named method if it exists and is available.
func (m Methods) Lookup(name string) (Method, error) {
	method, ok := m[normalize(name)]
	if !ok || !method.Available {
		return Method{}, batch.MethodUnavailableError(name)
	}
	return method, nil
}

// Names lists the method names in sorted order.
func (m Methods) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ComputeFee applies fee spec f to amount. Both results are rounded to cents.
func ComputeFee(amount, f float64) (fee, net float64) {
	if f < 1 {
		fee = amount * f
	} else {
		fee = f
	}
	fee = roundCents(fee)
	return fee, roundCents(amount - fee)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
