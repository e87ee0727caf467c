// Package profit estimates the resale profit of an acquisition candidate.
package profit

import "github.com/shopspring/decimal"

// DefaultTaxRate is the consumption tax applied on top of marketplace fees.
const DefaultTaxRate = 0.10

// Result holds an estimate. Both fields are nil when the inputs were incomplete.
type Result struct {
	Amount *float64
	Rate   *float64
	Fees   *float64
}

// Input is the data an estimate needs. Nil or zero values mean "unknown".
type Input struct {
	PurchasePrice  *float64
	ReferencePrice *float64
	FeeRatePercent *float64
	FixedFees      *float64
}

// Estimator computes profit with a fixed tax rate.
type Estimator struct {
	taxRate decimal.Decimal
}

// NewEstimator creates an Estimator for the given tax rate (e.g. 0.10).
func NewEstimator(taxRate float64) *Estimator {
	return &Estimator{taxRate: decimal.NewFromFloat(taxRate)}
}

// Estimate computes
//
//	fees   = reference * feeRate * (1 + tax)
//	amount = reference - fees - fixed - purchase
//	rate   = amount / reference * 100
//
// and returns an empty Result if any input is missing or zero.
func (e *Estimator) Estimate(in Input) Result {
	purchase, ok1 := positive(in.PurchasePrice)
	reference, ok2 := positive(in.ReferencePrice)
	feeRate, ok3 := positive(in.FeeRatePercent)
	fixed, ok4 := positive(in.FixedFees)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Result{}
	}

	fees := reference.Mul(feeRate).Mul(decimal.NewFromInt(1).Add(e.taxRate))
	amount := reference.Sub(fees).Sub(fixed).Sub(purchase)
	rate := amount.Div(reference).Mul(decimal.NewFromInt(100))

	return Result{
		Amount: float(amount.Round(2)),
		Rate:   float(rate.Round(2)),
		Fees:   float(fees.Round(2)),
	}
}

func positive(v *float64) (decimal.Decimal, bool) {
	if v == nil || *v <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(*v), true
}

func float(d decimal.Decimal) *float64 {
	f, _ := d.Float64()
	return &f
}
