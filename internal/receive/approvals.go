package receive

import (
	"time"

	"github.com/niczy/gitreview/internal/models"
)

// ApprovalInputs is everything PlanApprovals looks at.
type ApprovalInputs struct {
	// PatchSet is the patch set being created.
	PatchSet models.PatchSetID
	// Prior holds every approval recorded on the change so far.
	Prior []*models.PatchSetApproval
	// PriorPatchSet is the patch set being replaced; zero for a new change.
	PriorPatchSet models.PatchSetID
	Categories    []models.ApprovalCategory
	Uploader      int64
	// Participants are the author, committer and reviewers in that order.
	// Zero ids (unknown accounts) are ignored.
	Participants []int64
	Granted      time.Time
	ChangeOpen   bool
}

// PlanApprovals returns the approvals to insert for a new patch set:
// the strongest negative votes of the replaced patch set in categories that
// copy them, plus a zero-valued record in the last category for every
// participant with no approval history on the change. The uploader never
// gets a zero-valued record.
func PlanApprovals(in ApprovalInputs) []*models.PatchSetApproval {
	categories := make(map[string]models.ApprovalCategory, len(in.Categories))
	for _, c := range in.Categories {
		categories[c.ID] = c
	}

	have := map[int64]bool{in.Uploader: true}
	for _, a := range in.Prior {
		have[a.AccountID] = true
	}

	var out []*models.PatchSetApproval
	if in.PriorPatchSet.PatchSetNum > 0 {
		for _, a := range in.Prior {
			if a.PatchSetID != in.PriorPatchSet {
				continue
			}
			cat, ok := categories[a.CategoryID]
			if !ok || !cat.CopyMinScore || !cat.IsMaxNegative(a.Value) {
				continue
			}
			out = append(out, &models.PatchSetApproval{
				PatchSetID: in.PatchSet,
				AccountID:  a.AccountID,
				CategoryID: a.CategoryID,
				Value:      a.Value,
				Granted:    a.Granted,
				ChangeOpen: in.ChangeOpen,
			})
		}
	}

	if len(in.Categories) == 0 {
		return out
	}
	dummy := in.Categories[len(in.Categories)-1]
	for _, id := range in.Participants {
		if id == 0 || have[id] {
			continue
		}
		have[id] = true
		out = append(out, &models.PatchSetApproval{
			PatchSetID: in.PatchSet,
			AccountID:  id,
			CategoryID: dummy.ID,
			Granted:    in.Granted,
			ChangeOpen: in.ChangeOpen,
		})
	}
	return out
}

// priorParticipants splits the accounts with approval history into those
// who voted and those only attached with zero-valued records.
func priorParticipants(approvals []*models.PatchSetApproval) (voters, watchers []int64) {
	voted := make(map[int64]bool)
	for _, a := range approvals {
		if !a.IsDummy() {
			voted[a.AccountID] = true
		}
	}
	for _, a := range approvals {
		if voted[a.AccountID] {
			voters = appendUnique(voters, a.AccountID)
		} else {
			watchers = appendUnique(watchers, a.AccountID)
		}
	}
	return voters, watchers
}
