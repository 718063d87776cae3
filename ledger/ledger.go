package ledger

import (
	"context"
	"encoding/json"

	"cosmossdk.io/math"
)

// Contract is the single flat record every ledger payload variant is
// normalised to at the port boundary. Consumers never see the vendor's
// nested event shapes.
type Contract struct {
	ContractID string          `json:"contractId"`
	TemplateID string          `json:"templateId"`
	Payload    json.RawMessage `json:"payload"`
}

// EventKind distinguishes stream update events.
type EventKind int

const (
	EventCreated EventKind = iota
	EventArchived
)

func (k EventKind) String() string {
	if k == EventArchived {
		return "archived"
	}
	return "created"
}

// Event is one element of the live update stream.
type Event struct {
	Kind     EventKind
	Contract Contract
	Offset   string
}

// CommandKind distinguishes submitted commands.
type CommandKind int

const (
	CommandCreate CommandKind = iota
	CommandExercise
)

// Command is a create-or-exercise command.
type Command struct {
	Kind       CommandKind
	TemplateID string // create target template
	ContractID string // exercise target contract
	Choice     string // exercise choice name
	Argument   any    // create payload or choice argument, marshalled to JSON
}

// CreateCommand builds a create command.
func CreateCommand(templateID string, payload any) Command {
	return Command{Kind: CommandCreate, TemplateID: templateID, Argument: payload}
}

// ExerciseCommand builds an exercise command.
func ExerciseCommand(contractID, choice string, argument any) Command {
	return Command{Kind: CommandExercise, ContractID: contractID, Choice: choice, Argument: argument}
}

// TxResult reports the effects of a committed transaction.
type TxResult struct {
	TransactionID string
	Created       []Contract
	Archived      []string // contract ids
}

// FirstCreated returns the first created contract of the given
// template, or nil.
func (r *TxResult) FirstCreated(templateID string) *Contract {
	for i := range r.Created {
		if r.Created[i].TemplateID == templateID {
			return &r.Created[i]
		}
	}
	return nil
}

// Client is the abstract port to the distributed ledger. The core
// depends only on this contract.
//
// A conformant implementation preserves: at-most-once effect of a
// successfully-returned command; monotonic per-party offsets in update
// streams; and absence of archived contracts from subsequent active
// queries. REST queries are capped at 200 elements, which the engine
// assumes pessimistically.
type Client interface {
	// SubmitCommand submits a create-or-exercise command and waits
	// until the transaction is committed.
	SubmitCommand(ctx context.Context, actAs, readAs []string, cmd Command) (*TxResult, error)

	// QueryActive returns at most pageSize active contracts visible to
	// the party. Page-limited; use the streams for full snapshots.
	QueryActive(ctx context.Context, party string, templateIDs []string, pageSize int) ([]Contract, error)

	// StreamActiveAtOffset opens a finite bootstrap stream of the
	// active contracts at the snapshot offset. The channel closes when
	// the snapshot is exhausted. Not restartable.
	StreamActiveAtOffset(ctx context.Context, offset string, templateIDs []string) (<-chan Contract, error)

	// StreamUpdates opens an infinite live subscription from the given
	// offset. The channel closes on transport failure; the consumer
	// resumes by re-subscribing from its last persisted offset.
	StreamUpdates(ctx context.Context, fromOffset string, templateIDs []string) (<-chan Event, error)

	// ExecuteAllocation performs the transfer previously authorised by
	// an allocation. The executor is the exchange party; no user key is
	// required at settlement time.
	ExecuteAllocation(ctx context.Context, allocationRef, executor, ownerHint string) (*TxResult, error)

	// WithdrawAllocation releases an unexecuted allocation back to its
	// owner.
	WithdrawAllocation(ctx context.Context, allocationRef, owner string) (*TxResult, error)

	// GetLedgerEnd returns a fresh snapshot offset.
	GetLedgerEnd(ctx context.Context) (string, error)

	// GetAvailableBalance returns the party's on-chain available
	// balance of one asset. Advisory; the authoritative check happens
	// at settlement.
	GetAvailableBalance(ctx context.Context, party, asset string) (math.LegacyDec, error)
}

// MaxQueryPageSize is the hard REST page cap the engine assumes.
const MaxQueryPageSize = 200
