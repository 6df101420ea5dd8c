package story

import (
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.AmericanEnglish)

// fallbackStories renders the deterministic template set used when the
// model is unavailable or unparseable. Every tier stays signable: short
// declarative sentences, concrete vocabulary, the topic woven through.
func fallbackStories(topic string) Stories {
	title := titleCaser.String(topic)
	return Stories{
		Amateur: Story{
			Title: fmt.Sprintf("The %s", title),
			Sentences: []string{
				fmt.Sprintf("I see a %s.", topic),
				fmt.Sprintf("The %s is here.", topic),
				fmt.Sprintf("I like the %s.", topic),
			},
		},
		Normal: Story{
			Title: fmt.Sprintf("My %s", title),
			Sentences: []string{
				fmt.Sprintf("I have a %s at home.", topic),
				fmt.Sprintf("My %s is very nice.", topic),
				fmt.Sprintf("I show my %s to my friend.", topic),
				fmt.Sprintf("My friend likes the %s too.", topic),
			},
		},
		MidLevel: Story{
			Title: fmt.Sprintf("A Day With the %s", title),
			Sentences: []string{
				fmt.Sprintf("Yesterday I found a %s near my house.", topic),
				fmt.Sprintf("The %s looked different from the ones I know.", topic),
				fmt.Sprintf("I watched the %s for a long time.", topic),
				fmt.Sprintf("Later I told my family about the %s.", topic),
			},
		},
		Difficult: Story{
			Title: fmt.Sprintf("The Story of the %s", title),
			Sentences: []string{
				fmt.Sprintf("Last week my teacher asked us to describe a %s in detail.", topic),
				fmt.Sprintf("I explained where the %s came from and why it matters to me.", topic),
				fmt.Sprintf("While I practiced, I realized the %s was harder to describe than I expected.", topic),
				fmt.Sprintf("After many tries I could finally sign the whole story about the %s.", topic),
				fmt.Sprintf("Now the %s story is my favorite one to perform.", topic),
			},
		},
		Expert: Story{
			Title: fmt.Sprintf("Reflections on a %s", title),
			Sentences: []string{
				fmt.Sprintf("Although I had encountered a %s many times before, I had never considered what it truly meant to me.", topic),
				fmt.Sprintf("When I finally examined the %s carefully, its details revealed a history I had always overlooked.", topic),
				fmt.Sprintf("Describing the %s to my classmates forced me to choose my signs with unusual precision.", topic),
				fmt.Sprintf("Their questions about the %s pushed my explanation far beyond what I had prepared.", topic),
				fmt.Sprintf("By the end of the discussion, the %s had become a lesson about expressing complex ideas clearly.", topic),
			},
		},
	}
}
