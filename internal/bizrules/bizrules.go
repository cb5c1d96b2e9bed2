// Package bizrules validates cross-field consistency over a whole
// transaction snapshot: totals that must add up, options that exclude each
// other, dates that must be ordered. It is distinct from field-shape
// validation: inputs here are already well-formed, the question is whether
// they are consistent with each other.
//
// Validate collects every violation in one pass rather than stopping at the
// first, so callers can render complete feedback. Only malformed input is an
// error; an inconsistent transaction is data.
package bizrules

import (
	"fmt"
	"time"
)

// Violation codes.
const (
	CodeLineTotalMismatch       = "LINE_TOTAL_MISMATCH"
	CodeSubtotalMismatch        = "SUBTOTAL_MISMATCH"
	CodeTotalMismatch           = "TOTAL_MISMATCH"
	CodeAmountBelowMinimum      = "AMOUNT_BELOW_MINIMUM"
	CodeAmountAboveMaximum      = "AMOUNT_ABOVE_MAXIMUM"
	CodeMutuallyExclusiveFields = "MUTUALLY_EXCLUSIVE_FIELDS"
	CodeTrialEndInPast          = "TRIAL_END_IN_PAST"
	CodeTrialTooLong            = "TRIAL_TOO_LONG"
	CodeAvailabilityOrder       = "AVAILABILITY_ORDER"
	CodeShippingRequired        = "SHIPPING_ADDRESS_REQUIRED"
	CodeShippingChargeRequired  = "SHIPPING_CHARGE_REQUIRED"
	CodeNewCustomerOnly         = "NEW_CUSTOMER_ONLY"
)

// Violation is one broken cross-field invariant.
type Violation struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StructuralError marks input too malformed to validate at all: the one
// case where validation aborts instead of collecting.
type StructuralError struct {
	Field  string
	Detail string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("bizrules: malformed input: %s: %s", e.Field, e.Detail)
}

// Item is one transaction line.
type Item struct {
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
	LineTotal float64 `json:"lineTotal"`
	Digital   bool    `json:"digital"`
}

// Address is a shipping or billing address.
type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"` // ISO 3166-1 alpha-2
}

// Discount is the discount selection on a transaction. Exactly one of ID
// (pre-registered discount) or Code (raw coupon code) may be set.
type Discount struct {
	ID     string  `json:"id,omitempty"`
	Code   string  `json:"code,omitempty"`
	Amount float64 `json:"amount"`
}

// Trial is the trial configuration on a subscription. Exactly one of
// PeriodDays or End may be set.
type Trial struct {
	PeriodDays int        `json:"periodDays,omitempty"`
	End        *time.Time `json:"end,omitempty"`
}

// Transaction is the immutable snapshot one validation call operates on.
// It is used only for the duration of the call and never persisted here.
type Transaction struct {
	Currency string  `json:"currency"`
	Items    []Item  `json:"items"`
	Subtotal float64 `json:"subtotal"`
	Tax      float64 `json:"tax"`
	Shipping float64 `json:"shipping"`
	Total    float64 `json:"total"`

	Discount *Discount `json:"discount,omitempty"`
	Trial    *Trial    `json:"trial,omitempty"`

	ShippingAddress *Address `json:"shippingAddress,omitempty"`
	BillingAddress  *Address `json:"billingAddress,omitempty"`
	MerchantCountry string   `json:"merchantCountry,omitempty"`

	AvailableFrom *time.Time `json:"availableFrom,omitempty"`
	AvailableTo   *time.Time `json:"availableTo,omitempty"`

	// NewCustomer comes from the caller's history snapshot.
	NewCustomer bool `json:"newCustomer"`
}

// discountAmount returns the discount applied to the grand total.
func (t *Transaction) discountAmount() float64 {
	if t.Discount == nil {
		return 0
	}
	return t.Discount.Amount
}

// allDigital reports whether every item needs no physical delivery.
func (t *Transaction) allDigital() bool {
	for _, it := range t.Items {
		if !it.Digital {
			return false
		}
	}
	return true
}
