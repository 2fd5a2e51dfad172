/*
Package factory provides JSON to Go movement conversion.

PURPOSE:
  Converts JSON movement batches (exports from a POS, a receiving system,
  a stock count sheet) into costing.Movement values, and costing events
  back into JSON for operators.

JSON SCHEMA:
  [
    {
      "installation_id": "shop-1",
      "item_id": "gold-ring-18k",
      "location_id": "front",
      "kind": "goods_receipt",
      "qty_delta": 10,
      "unit_cost": "5.00",
      "landed_cost_delta": "0.25",
      "event_timestamp": "2025-04-07T10:00:00Z",
      "reference_id": "po-1",
      "idempotency_key": "po-1-line-1"
    }
  ]

  Money is a decimal string so no value passes through float64.
  Timestamps are RFC3339.

KEY FEATURES:
  - Validates every row with costing's movement rules
  - Reports the first bad row by index
  - Fills installation and location from factory defaults when omitted

USAGE:
  f := factory.NewMovementFactory()
  f.DefaultInstallationID = "shop-1"
  movements, err := f.ParseMovements(data)
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// MovementJSON is the JSON representation of a movement.
type MovementJSON struct {
	InstallationID  string `json:"installation_id,omitempty"`
	ItemID          string `json:"item_id"`
	LocationID      string `json:"location_id,omitempty"`
	Kind            string `json:"kind,omitempty"`
	QtyDelta        int64  `json:"qty_delta"`
	UnitCost        string `json:"unit_cost,omitempty"`
	LandedCostDelta string `json:"landed_cost_delta,omitempty"`
	EventTimestamp  string `json:"event_timestamp"`
	ReferenceID     string `json:"reference_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

// EventJSON is the JSON representation of a stored cost layer event.
type EventJSON struct {
	ID                string          `json:"id"`
	InstallationID    string          `json:"installation_id"`
	ItemID            string          `json:"item_id"`
	LocationID        string          `json:"location_id"`
	Sequence          int64           `json:"sequence"`
	Kind              string          `json:"kind,omitempty"`
	QtyDelta          int64           `json:"qty_delta"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	LandedCostDelta   decimal.Decimal `json:"landed_cost_delta"`
	EventTimestamp    time.Time       `json:"event_timestamp"`
	QtyOnHandAtEvent  int64           `json:"qty_on_hand_at_event"`
	WacAtEvent        decimal.Decimal `json:"wac_at_event"`
	TotalValueAtEvent decimal.Decimal `json:"total_value_at_event"`
	PreviousEventID   string          `json:"previous_event_id,omitempty"`
	ReferenceID       string          `json:"reference_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RowError points at the offending element of a batch.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// =============================================================================
// FACTORY
// =============================================================================

// MovementFactory converts between JSON and costing types.
type MovementFactory struct {
	DefaultInstallationID string
	DefaultLocationID     string
}

func NewMovementFactory() *MovementFactory {
	return &MovementFactory{}
}

// ParseMovements decodes a JSON array of movements and validates each one.
func (f *MovementFactory) ParseMovements(data []byte) ([]costing.Movement, error) {
	var rows []MovementJSON
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse movements JSON: %w", err)
	}

	out := make([]costing.Movement, 0, len(rows))
	for i, row := range rows {
		m, err := f.FromJSON(row)
		if err != nil {
			return nil, &RowError{Row: i, Err: err}
		}
		out = append(out, m)
	}
	return out, nil
}

// FromJSON converts one MovementJSON into a validated movement.
func (f *MovementFactory) FromJSON(mj MovementJSON) (costing.Movement, error) {
	if mj.InstallationID == "" {
		mj.InstallationID = f.DefaultInstallationID
	}
	if mj.LocationID == "" {
		mj.LocationID = f.DefaultLocationID
	}
	if mj.Kind != "" && !inventory.Kind(mj.Kind).Valid() {
		return costing.Movement{}, &costing.ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not a known movement kind", mj.Kind)}
	}

	unitCost, err := parseDecimal("unit_cost", mj.UnitCost)
	if err != nil {
		return costing.Movement{}, err
	}
	landed, err := parseDecimal("landed_cost_delta", mj.LandedCostDelta)
	if err != nil {
		return costing.Movement{}, err
	}

	at, err := time.Parse(time.RFC3339, mj.EventTimestamp)
	if err != nil {
		return costing.Movement{}, &costing.ValidationError{Field: "event_timestamp", Reason: "must be RFC3339"}
	}

	m := costing.Movement{
		Key: costing.CostingKey{
			InstallationID: mj.InstallationID,
			ItemID:         mj.ItemID,
			LocationID:     mj.LocationID,
		},
		QtyDelta:        mj.QtyDelta,
		UnitCost:        unitCost,
		LandedCostDelta: landed,
		EventTimestamp:  at.UTC(),
		Kind:            mj.Kind,
		ReferenceID:     mj.ReferenceID,
		Reason:          mj.Reason,
		IdempotencyKey:  mj.IdempotencyKey,
	}
	if err := m.Validate(); err != nil {
		return costing.Movement{}, err
	}
	return m, nil
}

// ToJSON converts a stored event to its JSON form.
func (f *MovementFactory) ToJSON(e costing.CostLayerEvent) EventJSON {
	return EventJSON{
		ID:                string(e.ID),
		InstallationID:    e.Key.InstallationID,
		ItemID:            e.Key.ItemID,
		LocationID:        e.Key.LocationID,
		Sequence:          e.Sequence,
		Kind:              e.Kind,
		QtyDelta:          e.QtyDelta,
		UnitCost:          e.UnitCost,
		LandedCostDelta:   e.LandedCostDelta,
		EventTimestamp:    e.EventTimestamp,
		QtyOnHandAtEvent:  e.QtyOnHandAtEvent,
		WacAtEvent:        e.WacAtEvent,
		TotalValueAtEvent: e.TotalValueAtEvent,
		PreviousEventID:   string(e.PreviousEventID),
		ReferenceID:       e.ReferenceID,
		Reason:            e.Reason,
		IdempotencyKey:    e.IdempotencyKey,
		CreatedAt:         e.CreatedAt,
	}
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &costing.ValidationError{Field: field, Reason: "must be a decimal string"}
	}
	return d, nil
}
