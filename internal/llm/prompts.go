package llm

import (
	"fmt"
	"strings"
)

// categoryDescriptions gives the model a hint per built-in category. Custom
// taxonomy entries without a description are listed bare.
var categoryDescriptions = map[string]string{
	"movie":   "films, series, documentaries, anything to watch",
	"book":    "books, articles, blog posts, anything to read",
	"place":   "places, restaurants, cafes, cities, landmarks",
	"recipe":  "recipes, dishes, cooking",
	"idea":    "thoughts, ideas, insights with nothing to look up",
	"product": "things to buy",
	"task":    "todos, reminders, chores",
	"other":   "does not fit any category above",
}

// entityHints lists the entity types worth extracting per category.
var entityHints = map[string]string{
	"movie":   `{"type":"title"}, {"type":"director"}, {"type":"year"}`,
	"book":    `{"type":"title"}, {"type":"author"}, {"type":"genre"}`,
	"place":   `{"type":"name"}, {"type":"address"}, {"type":"kind"}`,
	"recipe":  `{"type":"dish"}, {"type":"cuisine"}`,
	"idea":    `{"type":"topic"}, {"type":"source"}`,
	"product": `{"type":"name"}, {"type":"brand"}, {"type":"price"}`,
}

// ClassificationPrompt builds a strict JSON-only prompt that asks for one
// category from taxonomy, lower-case tags, typed entities and a confidence.
func ClassificationPrompt(content string, taxonomy []string) string {
	var cats strings.Builder
	for _, c := range taxonomy {
		if d, ok := categoryDescriptions[c]; ok {
			fmt.Fprintf(&cats, "- %s: %s\n", c, d)
		} else {
			fmt.Fprintf(&cats, "- %s\n", c)
		}
	}

	var ents strings.Builder
	for _, c := range taxonomy {
		if h, ok := entityHints[c]; ok {
			fmt.Fprintf(&ents, "- %s: %s\n", c, h)
		}
	}

	return fmt.Sprintf(`TASK: Classify a personal memory into exactly one category.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

CATEGORY (choose one):
%s
TAGS: 1-5 short lower-case tags, e.g. "film" for a movie, "novel" for a book.

ENTITIES: extract specific values as {"type": ..., "value": ...}:
%s
CONFIDENCE: 0.0-1.0, how sure you are of the category.

REQUIRED JSON STRUCTURE:
{"category":"...","tags":["..."],"entities":[{"type":"...","value":"..."}],"confidence":0.0}

Content to classify:
%s

Return ONLY JSON object (start with { end with }), nothing else:
{"category":"movie","tags":["film","sci-fi"],"entities":[{"type":"title","value":"Interstellar"}],"confidence":0.9}`,
		cats.String(), ents.String(), content)
}
