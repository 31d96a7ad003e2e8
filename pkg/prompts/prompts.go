// Package prompts holds the prompt text sent to the language model during
// chapter processing.
package prompts

import (
	"fmt"
	"strings"
)

// Prompt is a system/user message pair.
type Prompt struct {
	System string
	User   string
}

// ExtractFacts builds the prompt that asks for a JSON array of atomic facts.
func ExtractFacts(chapterTitle, content string) Prompt {
	sys := `You are an expert reader who distills book chapters into atomic facts.
Each fact is one self-contained declarative sentence that is true according to the text.
Resolve pronouns to the names they refer to. Do not add commentary, numbering or facts that are not stated.`

	var b strings.Builder
	if chapterTitle != "" {
		fmt.Fprintf(&b, "<CHAPTER TITLE>\n%s\n</CHAPTER TITLE>\n\n", chapterTitle)
	}
	fmt.Fprintf(&b, "<CHAPTER>\n%s\n</CHAPTER>\n\n", content)
	b.WriteString(`Extract every distinct fact from the CHAPTER.
Respond with JSON only, in the form {"facts": ["fact one", "fact two"]}.`)

	return Prompt{System: sys, User: b.String()}
}

// AttributePages builds the prompt that maps each fact to the page it came
// from. Content is expected to carry page markers such as "[page 12]".
func AttributePages(facts []string, content string) Prompt {
	sys := `You match facts to the page of the source text that states them.
Only use page numbers that appear in the page markers of the text.`

	var b strings.Builder
	fmt.Fprintf(&b, "<TEXT>\n%s\n</TEXT>\n\n<FACTS>\n", content)
	for i, f := range facts {
		fmt.Fprintf(&b, "%d\t%s\n", i, f)
	}
	b.WriteString("</FACTS>\n\n")
	b.WriteString(`For each fact give the page where it is stated.
Respond with JSON only, in the form {"pages": [{"fact": 0, "page": 12}]}. Omit facts you cannot place.`)

	return Prompt{System: sys, User: b.String()}
}
