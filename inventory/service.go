/*
service.go - Inventory movement workflows

PURPOSE:
  Translates receiving, selling and counting into costing movements.
  Every workflow ends in exactly one ledger Record; the ledger owns
  locking, snapshot computation and the conditional append.

RULES AT THIS LAYER:
  - Receipts and issues take positive quantities
  - Issues never carry a cost; they leave at the current WAC
  - Adjustments must state a reason and a non-zero delta

EXAMPLE:
  svc := inventory.NewService(ledger)
  _, err := svc.ReceiveGoods(ctx, inventory.Receipt{
      Key: key, Qty: 10, UnitCost: decimal.RequireFromString("5.00"), At: now,
  })
*/
package inventory

import (
	"context"
	"strings"

	"github.com/warp/costing-engine/costing"
)

type Service struct {
	ledger *costing.Ledger
}

func NewService(ledger *costing.Ledger) *Service {
	return &Service{ledger: ledger}
}

// ReceiveGoods records a supplier receipt.
func (s *Service) ReceiveGoods(ctx context.Context, r Receipt) (costing.CostLayerEvent, error) {
	return s.receive(ctx, KindGoodsReceipt, r)
}

// ReceiveBuyback records stock bought back from a customer. It blends into
// the WAC at the buyback price like any other receipt.
func (s *Service) ReceiveBuyback(ctx context.Context, r Receipt) (costing.CostLayerEvent, error) {
	return s.receive(ctx, KindBuybackReceipt, r)
}

func (s *Service) receive(ctx context.Context, kind Kind, r Receipt) (costing.CostLayerEvent, error) {
	if err := positive(r.Qty); err != nil {
		return costing.CostLayerEvent{}, err
	}
	return s.ledger.Record(ctx, costing.Movement{
		Key:             r.Key,
		QtyDelta:        r.Qty,
		UnitCost:        r.UnitCost,
		LandedCostDelta: r.LandedCost,
		EventTimestamp:  r.At,
		Kind:            string(kind),
		ReferenceID:     r.ReferenceID,
		IdempotencyKey:  r.IdempotencyKey,
	})
}

// RecordSale issues stock for a sale. The returned event carries the value
// remaining after the sale; the cost of goods sold is the drop in value.
func (s *Service) RecordSale(ctx context.Context, i Issue) (costing.CostLayerEvent, error) {
	if err := positive(i.Qty); err != nil {
		return costing.CostLayerEvent{}, err
	}
	return s.ledger.Record(ctx, costing.Movement{
		Key:            i.Key,
		QtyDelta:       -i.Qty,
		EventTimestamp: i.At,
		Kind:           string(KindSale),
		ReferenceID:    i.ReferenceID,
		IdempotencyKey: i.IdempotencyKey,
	})
}

// Adjust records a stock count correction.
func (s *Service) Adjust(ctx context.Context, a Adjustment) (costing.CostLayerEvent, error) {
	if a.QtyDelta == 0 {
		return costing.CostLayerEvent{}, &costing.ValidationError{Field: "qty_delta", Reason: "must not be zero"}
	}
	if strings.TrimSpace(a.Reason) == "" {
		return costing.CostLayerEvent{}, &costing.ValidationError{Field: "reason", Reason: "is required for adjustments"}
	}

	m := costing.Movement{
		Key:            a.Key,
		QtyDelta:       a.QtyDelta,
		EventTimestamp: a.At,
		Kind:           string(KindAdjustment),
		Reason:         a.Reason,
		ReferenceID:    a.ReferenceID,
		IdempotencyKey: a.IdempotencyKey,
	}
	if a.QtyDelta > 0 {
		m.UnitCost = a.UnitCost
	}
	return s.ledger.Record(ctx, m)
}

// OnHand returns the current costing state of key.
func (s *Service) OnHand(ctx context.Context, key costing.CostingKey) (costing.WacState, error) {
	return s.ledger.State(ctx, key)
}

// Record dispatches a kind-labelled movement to its workflow. Quantities on
// issues may be given either sign; the kind decides.
func (s *Service) Record(ctx context.Context, m costing.Movement) (costing.CostLayerEvent, error) {
	switch Kind(m.Kind) {
	case KindGoodsReceipt, KindBuybackReceipt:
		return s.receive(ctx, Kind(m.Kind), Receipt{
			Key: m.Key, Qty: m.QtyDelta, UnitCost: m.UnitCost, LandedCost: m.LandedCostDelta,
			At: m.EventTimestamp, ReferenceID: m.ReferenceID, IdempotencyKey: m.IdempotencyKey,
		})
	case KindSale:
		qty := m.QtyDelta
		if qty < 0 {
			qty = -qty
		}
		return s.RecordSale(ctx, Issue{
			Key: m.Key, Qty: qty, At: m.EventTimestamp,
			ReferenceID: m.ReferenceID, IdempotencyKey: m.IdempotencyKey,
		})
	case KindAdjustment:
		return s.Adjust(ctx, Adjustment{
			Key: m.Key, QtyDelta: m.QtyDelta, UnitCost: m.UnitCost, At: m.EventTimestamp,
			Reason: m.Reason, ReferenceID: m.ReferenceID, IdempotencyKey: m.IdempotencyKey,
		})
	case "":
		return s.ledger.Record(ctx, m)
	default:
		return costing.CostLayerEvent{}, &costing.ValidationError{Field: "kind", Reason: "is not a known movement kind"}
	}
}

func positive(qty int64) error {
	if qty <= 0 {
		return &costing.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	return nil
}
