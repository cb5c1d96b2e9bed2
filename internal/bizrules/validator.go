package bizrules

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config holds the policy thresholds for validation. These are deployment
// configuration, not literals scattered through the checks.
type Config struct {
	Epsilon      float64 // tolerance for money comparisons
	MinAmount    float64 // minimum chargeable total
	MaxAmount    float64 // maximum chargeable total (0 = none)
	MaxTrialDays int
}

// DefaultConfig returns the stock validation thresholds.
func DefaultConfig() Config {
	return Config{
		Epsilon:      0.01,
		MinAmount:    0.50,
		MaxAmount:    0, // no cap
		MaxTrialDays: 90,
	}
}

// Validator runs all cross-field checks over a transaction snapshot.
type Validator struct {
	cfg Config
	now func() time.Time
}

// NewValidator creates a validator with the given thresholds.
func NewValidator(cfg Config) *Validator {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.01
	}
	return &Validator{cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. For tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks the whole snapshot and returns every violation found.
// An empty slice means the transaction is consistent. It returns an error
// only for input too malformed to reason about (StructuralError).
func (v *Validator) Validate(tx *Transaction) ([]Violation, error) {
	if tx == nil {
		return nil, &StructuralError{Field: "transaction", Detail: "is nil"}
	}
	if strings.TrimSpace(tx.Currency) == "" {
		return nil, &StructuralError{Field: "currency", Detail: "is required"}
	}
	for i, it := range tx.Items {
		if it.Quantity <= 0 {
			return nil, &StructuralError{
				Field:  fmt.Sprintf("items[%d].quantity", i),
				Detail: "must be positive",
			}
		}
		if it.UnitPrice < 0 {
			return nil, &StructuralError{
				Field:  fmt.Sprintf("items[%d].unitPrice", i),
				Detail: "must not be negative",
			}
		}
	}

	var violations []Violation
	violations = append(violations, v.checkTotals(tx)...)
	violations = append(violations, v.checkAmountBounds(tx)...)
	violations = append(violations, v.checkExclusivity(tx)...)
	violations = append(violations, v.checkTemporal(tx)...)
	violations = append(violations, v.checkShipping(tx)...)
	violations = append(violations, v.checkDiscountEligibility(tx)...)
	return violations, nil
}

// checkTotals recomputes derived totals and compares against the supplied
// ones within epsilon: each line's unitPrice×quantity, the subtotal as the
// sum of lines, and the grand total as subtotal+tax+shipping−discount.
func (v *Validator) checkTotals(tx *Transaction) []Violation {
	var out []Violation

	var computedSubtotal float64
	for i, it := range tx.Items {
		expected := it.UnitPrice * float64(it.Quantity)
		if !v.close(expected, it.LineTotal) {
			out = append(out, Violation{
				Path: fmt.Sprintf("items[%d].lineTotal", i),
				Code: CodeLineTotalMismatch,
				Message: fmt.Sprintf("line total %.2f does not equal %.2f × %d = %.2f",
					it.LineTotal, it.UnitPrice, it.Quantity, expected),
			})
		}
		computedSubtotal += expected
	}

	if len(tx.Items) > 0 && !v.close(computedSubtotal, tx.Subtotal) {
		out = append(out, Violation{
			Path: "subtotal",
			Code: CodeSubtotalMismatch,
			Message: fmt.Sprintf("subtotal %.2f does not equal sum of line totals %.2f",
				tx.Subtotal, computedSubtotal),
		})
	}

	expectedTotal := tx.Subtotal + tx.Tax + tx.Shipping - tx.discountAmount()
	if !v.close(expectedTotal, tx.Total) {
		out = append(out, Violation{
			Path: "total",
			Code: CodeTotalMismatch,
			Message: fmt.Sprintf("total %.2f does not equal subtotal+tax+shipping-discount = %.2f",
				tx.Total, expectedTotal),
		})
	}
	return out
}

func (v *Validator) checkAmountBounds(tx *Transaction) []Violation {
	var out []Violation
	if v.cfg.MinAmount > 0 && tx.Total < v.cfg.MinAmount-v.cfg.Epsilon {
		out = append(out, Violation{
			Path: "total",
			Code: CodeAmountBelowMinimum,
			Message: fmt.Sprintf("total %.2f %s is below the minimum %.2f",
				tx.Total, tx.Currency, v.cfg.MinAmount),
		})
	}
	if v.cfg.MaxAmount > 0 && tx.Total > v.cfg.MaxAmount+v.cfg.Epsilon {
		out = append(out, Violation{
			Path: "total",
			Code: CodeAmountAboveMaximum,
			Message: fmt.Sprintf("total %.2f %s is above the maximum %.2f",
				tx.Total, tx.Currency, v.cfg.MaxAmount),
		})
	}
	return out
}

// checkExclusivity enforces either-or options: a discount names an ID or a
// raw code, a trial names a duration or an end date, never both.
func (v *Validator) checkExclusivity(tx *Transaction) []Violation {
	var out []Violation
	if d := tx.Discount; d != nil && d.ID != "" && d.Code != "" {
		out = append(out, Violation{
			Path:    "discount",
			Code:    CodeMutuallyExclusiveFields,
			Message: "discount may specify id or code, not both",
		})
	}
	if tr := tx.Trial; tr != nil && tr.PeriodDays > 0 && tr.End != nil {
		out = append(out, Violation{
			Path:    "trial",
			Code:    CodeMutuallyExclusiveFields,
			Message: "trial may specify periodDays or end, not both",
		})
	}
	return out
}

func (v *Validator) checkTemporal(tx *Transaction) []Violation {
	var out []Violation
	now := v.now()

	if tr := tx.Trial; tr != nil {
		if tr.End != nil {
			if !tr.End.After(now) {
				out = append(out, Violation{
					Path:    "trial.end",
					Code:    CodeTrialEndInPast,
					Message: "trial end must be in the future",
				})
			} else if v.cfg.MaxTrialDays > 0 &&
				tr.End.After(now.Add(time.Duration(v.cfg.MaxTrialDays)*24*time.Hour)) {
				out = append(out, Violation{
					Path:    "trial.end",
					Code:    CodeTrialTooLong,
					Message: fmt.Sprintf("trial exceeds the maximum of %d days", v.cfg.MaxTrialDays),
				})
			}
		}
		if tr.PeriodDays > 0 && v.cfg.MaxTrialDays > 0 && tr.PeriodDays > v.cfg.MaxTrialDays {
			out = append(out, Violation{
				Path:    "trial.periodDays",
				Code:    CodeTrialTooLong,
				Message: fmt.Sprintf("trial of %d days exceeds the maximum of %d", tr.PeriodDays, v.cfg.MaxTrialDays),
			})
		}
	}

	if tx.AvailableFrom != nil && tx.AvailableTo != nil && !tx.AvailableFrom.Before(*tx.AvailableTo) {
		out = append(out, Violation{
			Path:    "availableFrom",
			Code:    CodeAvailabilityOrder,
			Message: "availableFrom must precede availableTo",
		})
	}
	return out
}

// checkShipping enforces delivery consistency: physical goods need an
// address, and an international shipment needs a non-zero shipping charge.
func (v *Validator) checkShipping(tx *Transaction) []Violation {
	var out []Violation
	if len(tx.Items) == 0 {
		return nil
	}

	if !tx.allDigital() && tx.ShippingAddress == nil {
		out = append(out, Violation{
			Path:    "shippingAddress",
			Code:    CodeShippingRequired,
			Message: "shipping address is required unless every item is digital",
		})
	}

	if tx.ShippingAddress != nil && tx.MerchantCountry != "" &&
		!strings.EqualFold(tx.ShippingAddress.Country, tx.MerchantCountry) &&
		tx.Shipping <= v.cfg.Epsilon {
		out = append(out, Violation{
			Path: "shipping",
			Code: CodeShippingChargeRequired,
			Message: fmt.Sprintf("international shipment to %s requires a non-zero shipping charge",
				tx.ShippingAddress.Country),
		})
	}
	return out
}

// checkDiscountEligibility rejects new-customer codes used by returning
// customers.
func (v *Validator) checkDiscountEligibility(tx *Transaction) []Violation {
	d := tx.Discount
	if d == nil || d.Code == "" {
		return nil
	}
	if strings.Contains(strings.ToUpper(d.Code), "NEWCUSTOMER") && !tx.NewCustomer {
		return []Violation{{
			Path:    "discount.code",
			Code:    CodeNewCustomerOnly,
			Message: fmt.Sprintf("code %q is limited to new customers", d.Code),
		}}
	}
	return nil
}

func (v *Validator) close(a, b float64) bool {
	return math.Abs(a-b) <= v.cfg.Epsilon
}
