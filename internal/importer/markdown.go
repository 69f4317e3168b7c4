// Package importer turns folders of Markdown notes (journals, Obsidian
// vaults, plain exports) into memory records.
package importer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Note is one Markdown file reduced to the fields a memory record needs.
type Note struct {
	RelativePath string
	Title        string
	Content      string
	Tags         []string
	Owner        string    // frontmatter "owner", empty when absent
	CreatedAt    time.Time // frontmatter date, zero when absent
}

// ParseNote parses a Markdown file's bytes. relativePath supplies the
// fallback title when neither frontmatter nor an H1 provides one.
func ParseNote(content []byte, relativePath string) (*Note, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", relativePath, err)
	}

	title := stringField(fm, "title")
	if title == "" {
		title = extractH1(body)
	}
	if title == "" {
		title = titleFromPath(relativePath)
	}

	tags := mergeTags(extractTags(fm), extractInlineTags(body))
	body = stripLeadingH1(strings.TrimSpace(stripWikiLinks(body)), title)
	if len(tags) > 0 {
		body = strings.TrimSpace(body + "\n\nTags: " + strings.Join(tags, ", "))
	}

	return &Note{
		RelativePath: relativePath,
		Title:        title,
		Content:      body,
		Tags:         tags,
		Owner:        stringField(fm, "owner"),
		CreatedAt:    extractTimestamp(fm),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the body. A file without a closing delimiter is all body.
func splitFrontmatter(text string) (map[string]any, string, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]any{}, text, nil
	}

	fm := make(map[string]any)
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.TrimSpace(name)
}

func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// stripLeadingH1 drops an opening heading that repeats the title, since the
// record carries the title separately.
func stripLeadingH1(body, title string) string {
	first, rest, _ := strings.Cut(body, "\n")
	if strings.HasPrefix(first, "# ") && strings.TrimSpace(first[2:]) == title {
		return strings.TrimSpace(rest)
	}
	return body
}

// extractTags reads frontmatter tags in list or comma-separated form.
func extractTags(fm map[string]any) []string {
	var tags []string
	switch v := fm["tags"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				tags = append(tags, strings.TrimSpace(s))
			}
		}
	case string:
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// extractTimestamp reads the first parseable date field. yaml.v3 hands
// timestamps to map[string]any as strings; explicit !!timestamp tags arrive
// as time.Time.
func extractTimestamp(fm map[string]any) time.Time {
	for _, key := range []string{"date", "created", "created_at"} {
		switch v := fm[key].(type) {
		case time.Time:
			return v.UTC()
		case string:
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return t.UTC()
				}
			}
		}
	}
	return time.Time{}
}

func stringField(fm map[string]any, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func extractInlineTags(body string) []string {
	var tags []string
	for _, m := range inlineTagRe.FindAllStringSubmatch(body, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

// mergeTags concatenates and dedupes case-insensitively, keeping first spelling.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, tag := range append(a, b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			result = append(result, tag)
		}
	}
	return result
}

// wikilinkRe matches [[target]] and [[target|alias]].
var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)

// stripWikiLinks replaces wiki links with their alias, or the target when
// there is none.
func stripWikiLinks(content string) string {
	return wikilinkRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := wikilinkRe.FindStringSubmatch(match)
		if strings.TrimSpace(parts[2]) != "" {
			return strings.TrimSpace(parts[2])
		}
		return strings.TrimSpace(parts[1])
	})
}
