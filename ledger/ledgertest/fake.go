// Package ledgertest provides an in-memory ledger.Client for tests.
// It keeps an active-contract set, understands the engine's Order
// choices well enough to archive-and-recreate contracts the way a real
// ledger does, and lets tests script failures per operation.
package ledgertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cosmossdk.io/math"

	"github.com/openclob/ledger-clob/ledger"
	"github.com/openclob/ledger-clob/types"
)

// Fake is an in-memory ledger.
type Fake struct {
	mu        sync.Mutex
	contracts map[string]ledger.Contract
	balances  map[string]map[string]math.LegacyDec
	offset    int64
	cidSeq    int64
	txSeq     int64

	failures map[string][]error
	subs     []chan ledger.Event

	// Submissions records every submitted command for assertions.
	Submissions []Submission
	// Executed records allocation refs passed to ExecuteAllocation.
	Executed []string
	// Withdrawn records allocation refs passed to WithdrawAllocation.
	Withdrawn []string
}

// Submission is one recorded SubmitCommand call.
type Submission struct {
	ActAs   []string
	ReadAs  []string
	Command ledger.Command
}

var _ ledger.Client = (*Fake)(nil)

// New creates an empty fake ledger.
func New() *Fake {
	return &Fake{
		contracts: make(map[string]ledger.Contract),
		balances:  make(map[string]map[string]math.LegacyDec),
		failures:  make(map[string][]error),
	}
}

// FailNext queues an error for the next call of the given operation.
// Operations: "submit", "submit:<choice>", "execute", "execute:<ref>",
// "withdraw", "balance", "query", "ledger-end", "stream-active",
// "stream-updates".
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

func (f *Fake) popFailure(ops ...string) error {
	for _, op := range ops {
		if q := f.failures[op]; len(q) > 0 {
			f.failures[op] = q[1:]
			return q[0]
		}
	}
	return nil
}

// SetBalance sets a party's available balance for an asset.
func (f *Fake) SetBalance(party, asset string, amount math.LegacyDec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[party] == nil {
		f.balances[party] = make(map[string]math.LegacyDec)
	}
	f.balances[party][asset] = amount
}

// Seed inserts an active contract directly, returning its contract id.
func (f *Fake) Seed(templateID string, payload any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return f.createLocked(templateID, data).ContractID
}

// SeedAllocation inserts an active allocation contract.
func (f *Fake) SeedAllocation(owner, asset string, amount math.LegacyDec) string {
	return f.Seed(types.TemplateAllocation, types.AllocationPayload{
		Owner:  owner,
		Asset:  asset,
		Amount: amount.String(),
	})
}

// Active returns the active contract with the given id, if any.
func (f *Fake) Active(contractID string) (ledger.Contract, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[contractID]
	return c, ok
}

// ActiveOrders decodes all active Order contracts.
func (f *Fake) ActiveOrders() []*types.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Order
	for _, c := range f.contracts {
		if c.TemplateID != types.TemplateOrder {
			continue
		}
		if o, err := types.OrderFromPayload(c.ContractID, c.Payload); err == nil {
			out = append(out, o)
		}
	}
	return out
}

// ---- ledger.Client ----

func (f *Fake) SubmitCommand(ctx context.Context, actAs, readAs []string, cmd ledger.Command) (*ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.popFailure("submit:"+cmd.Choice, "submit"); err != nil {
		return nil, err
	}

	f.Submissions = append(f.Submissions, Submission{ActAs: actAs, ReadAs: readAs, Command: cmd})
	f.txSeq++
	result := &ledger.TxResult{TransactionID: fmt.Sprintf("tx-%d", f.txSeq)}

	switch cmd.Kind {
	case ledger.CommandCreate:
		data, err := json.Marshal(cmd.Argument)
		if err != nil {
			return nil, err
		}
		created := f.createLocked(cmd.TemplateID, data)
		result.Created = append(result.Created, created)
		return result, nil

	case ledger.CommandExercise:
		target, ok := f.contracts[cmd.ContractID]
		if !ok {
			return nil, ledger.ErrContractNotFound
		}
		return f.exerciseLocked(result, target, cmd)

	default:
		return nil, fmt.Errorf("unknown command kind")
	}
}

// exerciseLocked applies the engine's Order choices the way the real
// ledger templates do: consume the target and re-create when state
// survives the choice.
func (f *Fake) exerciseLocked(result *ledger.TxResult, target ledger.Contract, cmd ledger.Command) (*ledger.TxResult, error) {
	f.archiveLocked(target.ContractID)
	result.Archived = append(result.Archived, target.ContractID)

	if target.TemplateID != types.TemplateOrder {
		return result, nil
	}

	order, err := types.OrderFromPayload(target.ContractID, target.Payload)
	if err != nil {
		return nil, err
	}

	switch cmd.Choice {
	case types.ChoiceCancelOrder:
		// Archived, nothing re-created.
		return result, nil

	case types.ChoiceFillOrder:
		var arg types.FillArgument
		if err := reencode(cmd.Argument, &arg); err != nil {
			return nil, err
		}
		qty, err := math.LegacyNewDecFromStr(arg.Quantity)
		if err != nil {
			return nil, err
		}
		if err := order.Fill(qty); err != nil {
			return nil, err
		}
		if order.Status == types.OrderStatusFilled {
			return result, nil // fully filled orders stay archived
		}

	case types.ChoiceTriggerStopLoss:
		var arg types.TriggerArgument
		if err := reencode(cmd.Argument, &arg); err != nil {
			return nil, err
		}
		price, err := math.LegacyNewDecFromStr(arg.TriggerPrice)
		if err != nil {
			return nil, err
		}
		order.Trigger(arg.TriggeredAt, price)

	default:
		return nil, fmt.Errorf("unknown choice %q", cmd.Choice)
	}

	data, err := json.Marshal(types.OrderToPayload(order, "operator"))
	if err != nil {
		return nil, err
	}
	created := f.createLocked(types.TemplateOrder, data)
	result.Created = append(result.Created, created)
	return result, nil
}

func (f *Fake) QueryActive(ctx context.Context, party string, templateIDs []string, pageSize int) ([]ledger.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("query"); err != nil {
		return nil, err
	}
	if pageSize <= 0 || pageSize > ledger.MaxQueryPageSize {
		pageSize = ledger.MaxQueryPageSize
	}
	want := make(map[string]bool, len(templateIDs))
	for _, t := range templateIDs {
		want[t] = true
	}
	var out []ledger.Contract
	for _, c := range f.contracts {
		if len(want) > 0 && !want[c.TemplateID] {
			continue
		}
		out = append(out, c)
		if len(out) >= pageSize {
			break
		}
	}
	return out, nil
}

func (f *Fake) StreamActiveAtOffset(ctx context.Context, offset string, templateIDs []string) (<-chan ledger.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("stream-active"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(templateIDs))
	for _, t := range templateIDs {
		want[t] = true
	}
	var snapshot []ledger.Contract
	for _, c := range f.contracts {
		if len(want) == 0 || want[c.TemplateID] {
			snapshot = append(snapshot, c)
		}
	}
	out := make(chan ledger.Contract, len(snapshot))
	for _, c := range snapshot {
		out <- c
	}
	close(out)
	return out, nil
}

func (f *Fake) StreamUpdates(ctx context.Context, fromOffset string, templateIDs []string) (<-chan ledger.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("stream-updates"); err != nil {
		return nil, err
	}
	ch := make(chan ledger.Event, 1024)
	f.subs = append(f.subs, ch)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, sub := range f.subs {
			if sub == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				break
			}
		}
		f.mu.Unlock()
	}()
	return ch, nil
}

func (f *Fake) ExecuteAllocation(ctx context.Context, allocationRef, executor, ownerHint string) (*ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("execute:"+allocationRef, "execute"); err != nil {
		return nil, err
	}
	if _, ok := f.contracts[allocationRef]; !ok {
		return nil, ledger.ErrContractNotFound
	}
	f.archiveLocked(allocationRef)
	f.Executed = append(f.Executed, allocationRef)
	f.txSeq++
	return &ledger.TxResult{TransactionID: fmt.Sprintf("tx-%d", f.txSeq), Archived: []string{allocationRef}}, nil
}

func (f *Fake) WithdrawAllocation(ctx context.Context, allocationRef, owner string) (*ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("withdraw"); err != nil {
		return nil, err
	}
	if _, ok := f.contracts[allocationRef]; !ok {
		return nil, ledger.ErrContractNotFound
	}
	f.archiveLocked(allocationRef)
	f.Withdrawn = append(f.Withdrawn, allocationRef)
	f.txSeq++
	return &ledger.TxResult{TransactionID: fmt.Sprintf("tx-%d", f.txSeq), Archived: []string{allocationRef}}, nil
}

func (f *Fake) GetLedgerEnd(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("ledger-end"); err != nil {
		return "", err
	}
	return strconv.FormatInt(f.offset, 10), nil
}

func (f *Fake) GetAvailableBalance(ctx context.Context, party, asset string) (math.LegacyDec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("balance"); err != nil {
		return math.LegacyDec{}, err
	}
	if assets, ok := f.balances[party]; ok {
		if amount, ok := assets[asset]; ok {
			return amount, nil
		}
	}
	return math.LegacyZeroDec(), nil
}

// ---- internals ----

func (f *Fake) createLocked(templateID string, payload json.RawMessage) ledger.Contract {
	f.cidSeq++
	c := ledger.Contract{
		ContractID: fmt.Sprintf("c-%d", f.cidSeq),
		TemplateID: templateID,
		Payload:    payload,
	}
	f.contracts[c.ContractID] = c
	f.emitLocked(ledger.Event{Kind: ledger.EventCreated, Contract: c, Offset: f.nextOffsetLocked()})
	return c
}

func (f *Fake) archiveLocked(contractID string) {
	c, ok := f.contracts[contractID]
	if !ok {
		return
	}
	delete(f.contracts, contractID)
	f.emitLocked(ledger.Event{
		Kind:     ledger.EventArchived,
		Contract: ledger.Contract{ContractID: c.ContractID, TemplateID: c.TemplateID},
		Offset:   f.nextOffsetLocked(),
	})
}

func (f *Fake) nextOffsetLocked() string {
	f.offset++
	return strconv.FormatInt(f.offset, 10)
}

func (f *Fake) emitLocked(ev ledger.Event) {
	for _, sub := range f.subs {
		select {
		case sub <- ev:
		default:
			// Subscriber is slow; tests use generous buffers.
		}
	}
}

// reencode round-trips an argument through JSON so callers may pass
// either the typed struct or an equivalent map.
func reencode(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// WaitForSubscribers blocks until at least n live-update subscribers
// exist or the timeout elapses.
func (f *Fake) WaitForSubscribers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		count := len(f.subs)
		f.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
