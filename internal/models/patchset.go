package models

import (
	"fmt"
	"time"
)

// PatchSetID identifies one revision of a change.
type PatchSetID struct {
	ChangeID    int64 `json:"change_id"`
	PatchSetNum int   `json:"patch_set_num"`
}

func (id PatchSetID) String() string {
	return fmt.Sprintf("%d,%d", id.ChangeID, id.PatchSetNum)
}

// RefName returns the git ref holding this patch set's commit, sharded by the
// last two digits of the change id.
func (id PatchSetID) RefName() string {
	return fmt.Sprintf("refs/changes/%02d/%d/%d", id.ChangeID%100, id.ChangeID, id.PatchSetNum)
}

// PatchSet is one commit uploaded for a change.
type PatchSet struct {
	ID        PatchSetID `json:"id"`
	Revision  string     `json:"revision"`
	Uploader  int64      `json:"uploader"`
	CreatedOn time.Time  `json:"created_on"`
	Ancestors []string   `json:"ancestors"`
}

// RefName is shorthand for ps.ID.RefName().
func (ps *PatchSet) RefName() string {
	return ps.ID.RefName()
}
