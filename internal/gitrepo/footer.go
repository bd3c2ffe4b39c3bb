package gitrepo

import (
	"regexp"
	"strings"
)

// Footer keys consumed by the intake pipeline.
const (
	FooterChangeID    = "Change-Id"
	FooterSignedOffBy = "Signed-off-by"
	FooterAckedBy     = "Acked-by"
	FooterReviewedBy  = "Reviewed-by"
	FooterTestedBy    = "Tested-by"
	FooterCC          = "CC"
)

var footerLineRE = regexp.MustCompile(`^([a-zA-Z0-9-]+):\s*(.*)$`)

// FooterLine is one "Key: value" line of a commit message's last paragraph.
type FooterLine struct {
	Key   string
	Value string
}

// Matches compares the footer key case-insensitively.
func (f FooterLine) Matches(key string) bool {
	return strings.EqualFold(f.Key, key)
}

// EmailAddress extracts the address from values like "Name <a@b>" or a bare "a@b".
func (f FooterLine) EmailAddress() string {
	v := strings.TrimSpace(f.Value)
	if lt := strings.IndexByte(v, '<'); lt >= 0 {
		if gt := strings.IndexByte(v[lt:], '>'); gt > 0 {
			return strings.TrimSpace(v[lt+1 : lt+gt])
		}
		return ""
	}
	if strings.Contains(v, "@") && !strings.ContainsAny(v, " \t") {
		return v
	}
	return ""
}

// ParseFooters returns the footer lines of message in order. Only the last
// paragraph is considered, and only when it is not also the first one.
// Indented lines continue the previous footer; other lines are ignored.
func ParseFooters(message string) []FooterLine {
	lines := strings.Split(strings.TrimRight(message, " \t\r\n"), "\n")

	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			start = i + 1
			break
		}
	}
	if start <= 0 {
		return nil
	}

	var footers []FooterLine
	for _, line := range lines[start:] {
		line = strings.TrimRight(line, "\r")
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(footers) > 0 {
			last := &footers[len(footers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(line))
			continue
		}
		m := footerLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		footers = append(footers, FooterLine{Key: m[1], Value: strings.TrimSpace(m[2])})
	}
	return footers
}

// FooterValues returns the values of every footer with the given key.
func FooterValues(footers []FooterLine, key string) []string {
	var values []string
	for _, f := range footers {
		if f.Matches(key) {
			values = append(values, f.Value)
		}
	}
	return values
}

// LastChangeID returns the last Change-Id footer value, or "".
func LastChangeID(message string) string {
	ids := FooterValues(ParseFooters(message), FooterChangeID)
	if len(ids) == 0 {
		return ""
	}
	return strings.TrimSpace(ids[len(ids)-1])
}

// IsReviewerFooter reports whether f names someone who should review the change.
func IsReviewerFooter(f FooterLine) bool {
	return f.Matches(FooterSignedOffBy) || f.Matches(FooterAckedBy) ||
		f.Matches(FooterReviewedBy) || f.Matches(FooterTestedBy)
}
