package markdown

import (
	"strings"

	"github.com/rs/zerolog"
)

// FindChapter locates a chapter by title: exact match first, then
// case-insensitive substring match in either direction. Ties resolve to the
// first occurrence.
func (d *Document) FindChapter(title string) (*Chapter, bool) {
	if c, ok := d.byTitle[title]; ok {
		return c, true
	}
	want := strings.ToLower(strings.TrimSpace(title))
	for _, c := range d.chapters {
		have := strings.ToLower(strings.TrimSpace(c.Title))
		if strings.Contains(have, want) || strings.Contains(want, have) {
			return c, true
		}
	}
	return nil, false
}

// FindKey locates a section key within the chapter with the same tolerant
// comparison as FindChapter.
func (c *Chapter) FindKey(key string) (string, bool) {
	if _, ok := c.sections[key]; ok {
		return key, true
	}
	want := strings.ToLower(strings.TrimSpace(key))
	for _, k := range c.keys {
		have := strings.ToLower(strings.TrimSpace(k))
		if strings.Contains(have, want) || strings.Contains(want, have) {
			return k, true
		}
	}
	return "", false
}

// Lookup resolves a section reference (an analyzer "subtitle") anywhere in
// the document. Exact key matches anywhere win over tolerant ones.
func (d *Document) Lookup(subtitle string) (*Chapter, string, bool) {
	for _, c := range d.chapters {
		if _, ok := c.sections[subtitle]; ok {
			return c, subtitle, true
		}
	}
	for _, c := range d.chapters {
		if k, ok := c.FindKey(subtitle); ok {
			return c, k, true
		}
	}
	return nil, "", false
}

// Rebuild writes regenerated section bodies back into the original Markdown.
// replacements maps H1 title → section key → new body (without the heading
// line, which the rebuilder re-attaches). Sections without a replacement and
// all surrounding lines are preserved verbatim.
func Rebuild(original string, replacements map[string]map[string]string, logger zerolog.Logger) string {
	doc := Parse(original, Options{Logger: logger})

	for chapterTitle, sections := range replacements {
		chapter, ok := doc.FindChapter(chapterTitle)
		if !ok {
			logger.Warn().Str("chapter", chapterTitle).Msg("rebuild: chapter not found, skipping")
			continue
		}
		for key, body := range sections {
			resolved, ok := chapter.FindKey(key)
			if !ok {
				logger.Warn().Str("chapter", chapterTitle).Str("section", key).Msg("rebuild: section not found, skipping")
				continue
			}
			chapter.sections[resolved] = spliceBody(chapter.sections[resolved], body)
		}
	}

	return doc.Reassemble()
}

// spliceBody replaces everything after the section's heading line with the
// new body, keeping the heading itself.
func spliceBody(section, body string) string {
	heading := ""
	if level, _ := parseHeading(firstLine(section)); level > 0 {
		heading = firstLine(section) + "\n"
	}
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return heading
	}
	return heading + body + "\n"
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
