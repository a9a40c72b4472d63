package orders

import (
	"encoding/json"
	"sort"

	"github.com/shopbot/server/internal/storage"
)

// CancelReason identifies who or what initiated a cancellation.
type CancelReason string

const (
	CancelByUser    CancelReason = "USER"
	CancelByTimeout CancelReason = "TIMEOUT"
	CancelByAdmin   CancelReason = "ADMIN"
)

// terminalStatus maps a cancel reason to the terminal order status.
func (r CancelReason) terminalStatus() storage.OrderStatus {
	switch r {
	case CancelByUser:
		return storage.StatusCancelledByUser
	case CancelByAdmin:
		return storage.StatusCancelledByAdmin
	case CancelByTimeout:
		return storage.StatusTimeout
	default:
		return storage.StatusCancelledBySystem
	}
}

// ItemSnapshot is the per-item record frozen into the order at
// cancellation and completion, so order views stay readable after the
// underlying rows are restocked or re-reserved.
type ItemSnapshot struct {
	ItemID            string `json:"item_id"`
	CategoryID        string `json:"category_id"`
	SubcategoryID     string `json:"subcategory_id"`
	Description       string `json:"description,omitempty"`
	PriceCents        int64  `json:"price_cents"`
	IsPhysical        bool   `json:"is_physical"`
	ShippingCostCents int64  `json:"shipping_cost_cents,omitempty"`
}

func snapshotItems(items []storage.Item) []ItemSnapshot {
	out := make([]ItemSnapshot, 0, len(items))
	for _, it := range items {
		out = append(out, ItemSnapshot{
			ItemID:            it.ID,
			CategoryID:        it.CategoryID,
			SubcategoryID:     it.SubcategoryID,
			Description:       it.Description,
			PriceCents:        it.PriceCents,
			IsPhysical:        it.IsPhysical,
			ShippingCostCents: it.ShippingCostCents,
		})
	}
	return out
}

func marshalSnapshots(snaps []ItemSnapshot) []byte {
	data, err := json.Marshal(snaps)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalSnapshots(data []byte) []ItemSnapshot {
	if len(data) == 0 {
		return nil
	}
	var snaps []ItemSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil
	}
	return snaps
}

// restockKey groups snapshots into the (subcategory, category, price)
// requests the store uses to restore consumed rows.
type restockKey struct {
	SubcategoryID string
	CategoryID    string
	PriceCents    int64
}

func restocksFromSnapshots(snaps []ItemSnapshot) []storage.RestockRequest {
	counts := make(map[restockKey]int)
	for _, s := range snaps {
		counts[restockKey{s.SubcategoryID, s.CategoryID, s.PriceCents}]++
	}
	out := make([]storage.RestockRequest, 0, len(counts))
	for key, qty := range counts {
		out = append(out, storage.RestockRequest{
			SubcategoryID: key.SubcategoryID,
			CategoryID:    key.CategoryID,
			PriceCents:    key.PriceCents,
			Qty:           qty,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubcategoryID < out[j].SubcategoryID })
	return out
}

// RefundBreakdown is the serialized record of how a refund was computed.
type RefundBreakdown struct {
	TotalPaidCents      int64 `json:"total_paid_cents"`
	RefundableBaseCents int64 `json:"refundable_base_cents"`
	MixedOrder          bool  `json:"mixed_order"`
	PenaltyPercent      int   `json:"penalty_percent"`
	PenaltyCents        int64 `json:"penalty_cents"`
	FinalRefundCents    int64 `json:"final_refund_cents"`
	ReservationFeeCents int64 `json:"reservation_fee_cents,omitempty"`
}

// StockAdjustment reports a cart line that could not be fully reserved.
type StockAdjustment struct {
	SubcategoryID string
	Requested     int
	Reserved      int
}

// CreateResult is what checkout hands back to the caller.
type CreateResult struct {
	Order       storage.Order
	Adjustments []StockAdjustment
	HasPhysical bool
}

// CancelOutcome reports what a cancellation actually did.
type CancelOutcome struct {
	Order             storage.Order
	RefundCents       int64
	PenaltyCents      int64
	ReservationFee    int64
	StrikeAdded       bool
	StrikeCount       int
	Banned            bool
	WithinGracePeriod bool
}
