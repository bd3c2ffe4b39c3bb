package storage

import (
	"context"
	"errors"

	"github.com/niczy/gitreview/internal/models"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrAccountNotFound  = errors.New("account not found")
	ErrChangeNotFound   = errors.New("change not found")
	ErrPatchSetNotFound = errors.New("patch set not found")
	ErrEntryNotFound    = errors.New("entry not found")
	ErrEntryExists      = errors.New("entry already exists")
	ErrRevisionExists   = errors.New("revision already attached to a patch set")
	ErrUpdateAborted    = errors.New("update aborted")
	ErrTooManyConflicts = errors.New("too many concurrent updates")
)

// ChangeMutator receives a snapshot of the stored change and returns the
// replacement value. Returning false aborts the update without writing.
type ChangeMutator func(current models.Change) (models.Change, bool)

// Storage defines the review database used by the push intake pipeline.
// This allows us to swap implementations (in-memory, Redis, etc.)
type Storage interface {
	// Accounts
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	// ResolveAccount finds an account by username or by any verified email.
	ResolveAccount(ctx context.Context, nameOrEmail string) (*models.Account, error)

	// Changes
	NextChangeID(ctx context.Context) (int64, error)
	CreateChange(ctx context.Context, change *models.Change) error
	GetChange(ctx context.Context, id int64) (*models.Change, error)
	ListChangesByKey(ctx context.Context, project, key string) ([]*models.Change, error)
	ListOpenChanges(ctx context.Context, project string) ([]*models.Change, error)
	// AtomicUpdateChange applies fn to the current value and stores the result
	// only if the change was not modified concurrently. ErrUpdateAborted is
	// returned when fn declines the update.
	AtomicUpdateChange(ctx context.Context, id int64, fn ChangeMutator) (*models.Change, error)

	// Patch sets
	CreatePatchSet(ctx context.Context, ps *models.PatchSet) error
	GetPatchSet(ctx context.Context, id models.PatchSetID) (*models.PatchSet, error)
	ListPatchSets(ctx context.Context, changeID int64) ([]*models.PatchSet, error)
	DeletePatchSet(ctx context.Context, id models.PatchSetID) error

	// Approvals
	InsertApprovals(ctx context.Context, approvals []*models.PatchSetApproval) error
	UpdateApprovals(ctx context.Context, approvals []*models.PatchSetApproval) error
	DeleteApprovals(ctx context.Context, id models.PatchSetID) error
	ListApprovalsByChange(ctx context.Context, changeID int64) ([]*models.PatchSetApproval, error)

	// Messages
	AddChangeMessage(ctx context.Context, msg *models.ChangeMessage) error
	ListChangeMessages(ctx context.Context, changeID int64) ([]*models.ChangeMessage, error)

	// Health check
	Ping(ctx context.Context) error
}

// openOnly filters changes down to the open ones.
func openOnly(changes []*models.Change) []*models.Change {
	result := make([]*models.Change, 0, len(changes))
	for _, c := range changes {
		if c.Status.IsOpen() {
			result = append(result, c)
		}
	}
	return result
}
