package models

import (
	"fmt"
	"time"
)

// ApprovalCategory describes a voting label such as Code-Review.
type ApprovalCategory struct {
	ID           string `json:"id" toml:"id"`
	Name         string `json:"name" toml:"name"`
	MinValue     int16  `json:"min_value" toml:"min_value"`
	MaxValue     int16  `json:"max_value" toml:"max_value"`
	CopyMinScore bool   `json:"copy_min_score" toml:"copy_min_score"`
}

// IsMaxNegative reports whether value is the strongest negative vote of the category.
func (c ApprovalCategory) IsMaxNegative(value int16) bool {
	return c.MinValue < 0 && value == c.MinValue
}

// PatchSetApproval is a vote, or a zero-valued attachment marker, of one
// account on one patch set in one category.
type PatchSetApproval struct {
	PatchSetID PatchSetID `json:"patch_set_id"`
	AccountID  int64      `json:"account_id"`
	CategoryID string     `json:"category_id"`
	Value      int16      `json:"value"`
	Granted    time.Time  `json:"granted"`
	ChangeOpen bool       `json:"change_open"`
}

// Key returns the uniqueness key of the approval.
func (a *PatchSetApproval) Key() string {
	return fmt.Sprintf("%d:%d:%d:%s", a.PatchSetID.ChangeID, a.PatchSetID.PatchSetNum, a.AccountID, a.CategoryID)
}

// IsDummy reports whether the approval only records participation.
func (a *PatchSetApproval) IsDummy() bool {
	return a.Value == 0
}
