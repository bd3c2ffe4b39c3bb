package gitrepo

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// CommandType is the git operation a ref update requests.
type CommandType int

const (
	CommandCreate CommandType = iota
	CommandUpdate
	CommandUpdateNonFastForward
	CommandDelete
)

func (t CommandType) String() string {
	switch t {
	case CommandCreate:
		return "CREATE"
	case CommandUpdate:
		return "UPDATE"
	case CommandUpdateNonFastForward:
		return "UPDATE_NONFASTFORWARD"
	case CommandDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("CommandType(%d)", int(t))
	}
}

// Result is the per-command status reported back to the pushing client.
type Result int

const (
	ResultNotAttempted Result = iota
	ResultOK
	ResultRejectedNonFastForward
	ResultRejectedMissingObject
	ResultRejectedOtherReason
	ResultLockFailure
)

func (r Result) String() string {
	switch r {
	case ResultNotAttempted:
		return "NOT_ATTEMPTED"
	case ResultOK:
		return "OK"
	case ResultRejectedNonFastForward:
		return "REJECTED_NONFASTFORWARD"
	case ResultRejectedMissingObject:
		return "REJECTED_MISSING_OBJECT"
	case ResultRejectedOtherReason:
		return "REJECTED_OTHER_REASON"
	case ResultLockFailure:
		return "LOCK_FAILURE"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Command is one requested ref update within a push.
type Command struct {
	OldID   plumbing.Hash
	NewID   plumbing.Hash
	RefName string
	Type    CommandType
	Result  Result
	Message string
}

// NewCommand builds a command; the type is derived from the ids and refined
// to non-fast-forward by Repository.ResolveType.
func NewCommand(oldID, newID plumbing.Hash, refName string) *Command {
	cmd := &Command{OldID: oldID, NewID: newID, RefName: refName, Type: CommandUpdate}
	switch {
	case oldID.IsZero():
		cmd.Type = CommandCreate
	case newID.IsZero():
		cmd.Type = CommandDelete
	}
	return cmd
}

// Reject marks the command REJECTED_OTHER_REASON with reason.
func (c *Command) Reject(reason string) {
	c.SetResult(ResultRejectedOtherReason, reason)
}

// SetResult records a result and message.
func (c *Command) SetResult(r Result, message string) {
	c.Result = r
	c.Message = message
}

// Pending reports whether no decision has been recorded yet.
func (c *Command) Pending() bool {
	return c.Result == ResultNotAttempted
}

func (c *Command) String() string {
	return fmt.Sprintf("%s %s %s %s", c.OldID, c.NewID, c.RefName, c.Type)
}
