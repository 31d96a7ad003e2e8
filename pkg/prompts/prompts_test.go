package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFacts(t *testing.T) {
	p := ExtractFacts("The Storm", "Rain fell on the harbor.")
	assert.NotEmpty(t, p.System)
	assert.Contains(t, p.User, "<CHAPTER TITLE>\nThe Storm")
	assert.Contains(t, p.User, "Rain fell on the harbor.")
	assert.Contains(t, p.User, `"facts"`)

	untitled := ExtractFacts("", "Text.")
	assert.NotContains(t, untitled.User, "CHAPTER TITLE")
}

func TestAttributePages(t *testing.T) {
	p := AttributePages([]string{"A is B.", "C is D."}, "[page 1] A is B. [page 2] C is D.")
	assert.Contains(t, p.User, "0\tA is B.")
	assert.Contains(t, p.User, "1\tC is D.")
	assert.Contains(t, p.User, `"pages"`)
}
