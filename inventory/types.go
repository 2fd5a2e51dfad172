// Package inventory records stock movements through the costing ledger.
// Callers work in positive quantities and named movement kinds; the sign
// and cost handling follow from the kind.
package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/costing-engine/costing"
)

// Kind labels a movement on its cost layer event.
type Kind string

const (
	// KindGoodsReceipt is stock received from a supplier.
	KindGoodsReceipt Kind = "goods_receipt"

	// KindBuybackReceipt is stock bought back from a customer at the price
	// paid for it.
	KindBuybackReceipt Kind = "buyback_receipt"

	// KindSale is stock issued to a customer. It leaves at the current WAC.
	KindSale Kind = "sale"

	// KindAdjustment is a stock count correction, either direction.
	KindAdjustment Kind = "adjustment"
)

func (k Kind) Valid() bool {
	switch k {
	case KindGoodsReceipt, KindBuybackReceipt, KindSale, KindAdjustment:
		return true
	}
	return false
}

// Receipt brings stock in at a known cost.
type Receipt struct {
	Key      costing.CostingKey
	Qty      int64
	UnitCost decimal.Decimal

	// LandedCost is freight, duty and similar per-unit costs on top of
	// UnitCost.
	LandedCost decimal.Decimal

	At             time.Time
	ReferenceID    string // e.g. purchase order or buyback ticket
	IdempotencyKey string
}

// Issue takes stock out. No cost is supplied; the ledger prices it.
type Issue struct {
	Key            costing.CostingKey
	Qty            int64
	At             time.Time
	ReferenceID    string // e.g. invoice number
	IdempotencyKey string
}

// Adjustment corrects stock after a count. QtyDelta is signed. UnitCost
// applies to increases only; zero means the found stock carries no cost.
type Adjustment struct {
	Key            costing.CostingKey
	QtyDelta       int64
	UnitCost       decimal.Decimal
	At             time.Time
	Reason         string
	ReferenceID    string
	IdempotencyKey string
}
