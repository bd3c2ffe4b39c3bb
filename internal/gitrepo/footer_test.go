package gitrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFooters(t *testing.T) {
	msg := "Fix the frobnicator\n\nLonger body text.\nChange-Id: Inot-a-footer-body\n\n" +
		"Change-Id: I1111\n" +
		"Signed-off-by: Alice <alice@example.com>\n" +
		"Reviewed-by: bob@example.com\n" +
		"CC: Carol\n" +
		"  <carol@example.com>\n" +
		"Change-Id: I2222\n"

	footers := ParseFooters(msg)
	require.Len(t, footers, 5)
	assert.Equal(t, "alice@example.com", footers[1].EmailAddress())
	assert.Equal(t, "bob@example.com", footers[2].EmailAddress())
	assert.Equal(t, "Carol <carol@example.com>", footers[3].Value)
	assert.Equal(t, "carol@example.com", footers[3].EmailAddress())
	assert.True(t, IsReviewerFooter(footers[1]))
	assert.False(t, IsReviewerFooter(footers[3]))

	assert.Equal(t, []string{"I1111", "I2222"}, FooterValues(footers, FooterChangeID))
	assert.Equal(t, "I2222", LastChangeID(msg))
}

func TestParseFootersIgnoresSubjectParagraph(t *testing.T) {
	assert.Empty(t, ParseFooters("Change-Id: I1234"))
	assert.Equal(t, "", LastChangeID("Subject only\n"))
}

func TestFooterMatchesCaseInsensitive(t *testing.T) {
	f := FooterLine{Key: "signed-off-by", Value: "x <x@y>"}
	assert.True(t, f.Matches(FooterSignedOffBy))
	assert.Equal(t, "", FooterLine{Value: "Just A Name"}.EmailAddress())
}
