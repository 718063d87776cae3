// Package reserve tracks the process-local amounts spoken for by open
// orders. The on-chain balance alone cannot prevent overselling because
// open orders have not yet moved funds.
package reserve

import (
	"sync"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/types"
)

type key struct {
	party string
	asset string
}

type reservation struct {
	party       string
	asset       string
	outstanding math.LegacyDec
}

// Reserver is the balance reserver. All mutations on one (party, asset)
// key are serialised; the single mutex satisfies that and keeps reads
// consistent snapshots.
type Reserver struct {
	mu      sync.Mutex
	byOrder map[string]*reservation
	totals  map[key]math.LegacyDec
	logger  log.Logger
}

// New creates an empty reserver.
func New(logger log.Logger) *Reserver {
	return &Reserver{
		byOrder: make(map[string]*reservation),
		totals:  make(map[key]math.LegacyDec),
		logger:  logger.With("component", "reserver"),
	}
}

// Reserve records the amount an order commits. A second reserve for the
// same order id is a programming error in the caller and is rejected.
func (r *Reserver) Reserve(orderID, party, asset string, amount math.LegacyDec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byOrder[orderID]; exists {
		return types.ErrDuplicateReservation
	}
	r.byOrder[orderID] = &reservation{party: party, asset: asset, outstanding: amount}
	k := key{party, asset}
	r.totals[k] = r.totalLocked(k).Add(amount)

	r.logger.Debug("reserved",
		"order_id", orderID,
		"party", party,
		"asset", asset,
		"amount", amount.String(),
	)
	return nil
}

// Release frees the full outstanding reservation of an order and
// forgets it. Releasing an unknown order is a no-op, which makes the
// cancel path idempotent.
func (r *Reserver) Release(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.byOrder[orderID]
	if !ok {
		return
	}
	delete(r.byOrder, orderID)
	r.decrementLocked(key{res.party, res.asset}, res.outstanding)

	r.logger.Debug("released",
		"order_id", orderID,
		"amount", res.outstanding.String(),
	)
}

// ReleasePartial frees min(amount, outstanding) of an order's
// reservation; when the outstanding falls to zero the order is
// forgotten.
func (r *Reserver) ReleasePartial(orderID string, amount math.LegacyDec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.byOrder[orderID]
	if !ok {
		return
	}
	freed := math.LegacyMinDec(amount, res.outstanding)
	res.outstanding = res.outstanding.Sub(freed)
	r.decrementLocked(key{res.party, res.asset}, freed)
	if res.outstanding.IsZero() {
		delete(r.byOrder, orderID)
	}

	r.logger.Debug("released partial",
		"order_id", orderID,
		"freed", freed.String(),
		"outstanding", res.outstanding.String(),
	)
}

// Reserved returns the running total for a (party, asset), never
// negative.
func (r *Reserver) Reserved(party, asset string) math.LegacyDec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked(key{party, asset})
}

// Outstanding returns the remaining reservation of one order, zero if
// unknown.
func (r *Reserver) Outstanding(orderID string) math.LegacyDec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.byOrder[orderID]; ok {
		return res.outstanding
	}
	return math.LegacyZeroDec()
}

func (r *Reserver) totalLocked(k key) math.LegacyDec {
	if total, ok := r.totals[k]; ok {
		return total
	}
	return math.LegacyZeroDec()
}

// decrementLocked lowers a running total, clamped at zero.
func (r *Reserver) decrementLocked(k key, amount math.LegacyDec) {
	total := r.totalLocked(k).Sub(amount)
	if total.IsNegative() {
		total = math.LegacyZeroDec()
	}
	if total.IsZero() {
		delete(r.totals, k)
		return
	}
	r.totals[k] = total
}
