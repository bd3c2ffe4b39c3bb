package gitrepo

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	// RefsPrefix is the namespace every full ref name lives in.
	RefsPrefix = "refs/"
	// BranchPrefix is the base directory of the branch information of git.
	BranchPrefix = "refs/heads/"
	// TagPrefix is tags prefix path on the repository.
	TagPrefix = "refs/tags/"
	// ForPrefix is the push-for-review namespace.
	ForPrefix = "refs/for/"
	// ChangesPrefix holds one ref per patch set.
	ChangesPrefix = "refs/changes/"
	// HEAD is the symbolic ref naming the default branch.
	HEAD = "HEAD"
)

// replaceRefRE matches a direct patch-set replacement push:
// refs/changes/<id>, refs/changes/<NN>/<id> or either with a trailing /new.
var replaceRefRE = regexp.MustCompile(`^refs/changes/(?:[0-9][0-9]/)?([1-9][0-9]*)(?:/new)?$`)

// patchSetRefRE matches the refs created for existing patch sets.
var patchSetRefRE = regexp.MustCompile(`^refs/changes/[0-9][0-9]/([1-9][0-9]*)/([1-9][0-9]*)$`)

// IsBranch reports whether name is under refs/heads/.
func IsBranch(name string) bool {
	return strings.HasPrefix(name, BranchPrefix)
}

// IsTag reports whether name is under refs/tags/.
func IsTag(name string) bool {
	return strings.HasPrefix(name, TagPrefix)
}

// IsForReview reports whether name is under refs/for/.
func IsForReview(name string) bool {
	return strings.HasPrefix(name, ForPrefix)
}

// ParseReplaceRef extracts the change id from a patch-set replacement ref.
func ParseReplaceRef(name string) (int64, bool) {
	m := replaceRefRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ParsePatchSetRef extracts change id and patch set number from a patch-set ref.
func ParsePatchSetRef(name string) (changeID int64, patchSet int, ok bool) {
	m := patchSetRefRE.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	changeID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	patchSet, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return changeID, patchSet, true
}

// ShortName returns the short name of the reference
func ShortName(name string) string {
	switch {
	case strings.HasPrefix(name, BranchPrefix):
		return strings.TrimPrefix(name, BranchPrefix)
	case strings.HasPrefix(name, TagPrefix):
		return strings.TrimPrefix(name, TagPrefix)
	}
	return name
}

// FullBranchName expands a branch name to refs/heads/ unless it is already a full ref.
func FullBranchName(name string) string {
	if strings.HasPrefix(name, RefsPrefix) {
		return name
	}
	return BranchPrefix + name
}
