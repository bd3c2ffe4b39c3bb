package models

import (
	"fmt"
	"time"
)

// ChangeStatus represents the lifecycle state of a change
type ChangeStatus int

const (
	ChangeStatusNew ChangeStatus = iota
	ChangeStatusSubmitted
	ChangeStatusMerged
	ChangeStatusAbandoned
)

// IsOpen reports whether the change can still receive patch sets.
func (s ChangeStatus) IsOpen() bool {
	return s == ChangeStatusNew || s == ChangeStatusSubmitted
}

// IsClosed is the inverse of IsOpen.
func (s ChangeStatus) IsClosed() bool {
	return !s.IsOpen()
}

func (s ChangeStatus) String() string {
	switch s {
	case ChangeStatusNew:
		return "NEW"
	case ChangeStatusSubmitted:
		return "SUBMITTED"
	case ChangeStatusMerged:
		return "MERGED"
	case ChangeStatusAbandoned:
		return "ABANDONED"
	default:
		return fmt.Sprintf("ChangeStatus(%d)", int(s))
	}
}

// Change is one review unit tracking a logical modification across revisions.
type Change struct {
	ID              int64        `json:"id"`
	Key             string       `json:"key"`
	Project         string       `json:"project"`
	Dest            string       `json:"dest"`
	Topic           string       `json:"topic,omitempty"`
	Owner           int64        `json:"owner"`
	Status          ChangeStatus `json:"status"`
	CurrentPatchSet int          `json:"current_patch_set"`
	NumPatchSets    int          `json:"num_patch_sets"`
	Subject         string       `json:"subject"`
	CreatedOn       time.Time    `json:"created_on"`
	LastUpdatedOn   time.Time    `json:"last_updated_on"`
}

// CurrentPatchSetID returns the id of the change's current patch set.
func (c Change) CurrentPatchSetID() PatchSetID {
	return PatchSetID{ChangeID: c.ID, PatchSetNum: c.CurrentPatchSet}
}

// NextPatchSet reserves the next patch set number. CurrentPatchSet is left
// alone until the new patch set is recorded.
func (c Change) NextPatchSet() Change {
	c.NumPatchSets++
	return c
}

// KeyAbbrev returns the first 9 characters of the Change-Id, the form used in
// messages shown to the pusher.
func (c Change) KeyAbbrev() string {
	if len(c.Key) <= 9 {
		return c.Key
	}
	return c.Key[:9]
}
