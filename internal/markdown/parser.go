// Package markdown splits Markdown documents into an ordered hierarchy of
// review sections keyed by heading path, and reassembles them afterwards.
package markdown

import (
	"bufio"
	"strings"

	"github.com/rs/zerolog"
)

// PrologueTitle names the synthetic chapter holding content that appears
// before the first H1 (or the whole document when it has no headings at all).
const PrologueTitle = "文档开头"

// Options controls parsing behavior.
type Options struct {
	// MaxLevel is the deepest heading level that starts a new section:
	// 1, 2 or 3. Defaults to 3 ("H2 > H3" keys).
	MaxLevel int
	// Logger receives duplicate-key warnings. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// Document is the ordered two-level view of a Markdown document:
// chapters (H1s) in first-appearance order, each holding sections keyed by
// H2 title or "H2 > H3".
type Document struct {
	chapters []*Chapter
	byTitle  map[string]*Chapter
}

// Chapter is one H1 of the document plus everything under it.
type Chapter struct {
	Title       string
	headingLine string // raw "# …" line, empty for the prologue
	intro       string // body between the H1 line and the first section
	keys        []string
	sections    map[string]string
}

// Keys returns the section keys of the chapter in source order.
func (c *Chapter) Keys() []string { return c.keys }

// Section returns the full content (heading line included) of a section.
func (c *Chapter) Section(key string) (string, bool) {
	content, ok := c.sections[key]
	return content, ok
}

// Chapters returns the chapters in source order.
func (d *Document) Chapters() []*Chapter { return d.chapters }

// Chapter returns the chapter with the given H1 title.
func (d *Document) Chapter(title string) (*Chapter, bool) {
	c, ok := d.byTitle[title]
	return c, ok
}

// SectionCount returns the total number of sections across all chapters.
func (d *Document) SectionCount() int {
	n := 0
	for _, c := range d.chapters {
		n += len(c.keys)
	}
	return n
}

// Parse scans the document once, line by line, classifying each line as a
// heading or body by its "# " / "## " / "### " prefix. "####" and deeper are
// body. Heading lines inside fenced code blocks are body. Content before the
// first H1 becomes the synthetic prologue chapter. Duplicate section keys
// within one H1 keep the last occurrence; a warning is logged.
func Parse(content string, opts Options) *Document {
	maxLevel := opts.MaxLevel
	if maxLevel < 1 || maxLevel > 3 {
		maxLevel = 3
	}
	log := opts.Logger

	doc := &Document{byTitle: make(map[string]*Chapter)}

	var (
		cur      *Chapter
		curH2    string
		curH3    string
		buffer   strings.Builder
		fenceTok string
	)

	flush := func() {
		if cur == nil {
			return
		}
		text := buffer.String()
		buffer.Reset()
		if curH2 == "" {
			// Body directly under the H1 (or the prologue) with no open
			// section yet. Keep it so reassembly stays lossless.
			if cur.Title == PrologueTitle || maxLevel == 1 {
				cur.put(PrologueKeyFor(cur.Title), text, log)
			} else {
				cur.intro += text
			}
			return
		}
		key := curH2
		if curH3 != "" {
			key = curH2 + " > " + curH3
		}
		cur.put(key, text, log)
	}

	openChapter := func(title, headingLine string) {
		cur = &Chapter{
			Title:       title,
			headingLine: headingLine,
			sections:    make(map[string]string),
		}
		doc.chapters = append(doc.chapters, cur)
		doc.byTitle[title] = cur
		curH2, curH3 = "", ""
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimLeft(line, " \t")

		// Track fenced code blocks so "## " inside them stays body text.
		if tok := fenceToken(trimmed); tok != "" {
			if fenceTok == "" {
				fenceTok = tok
			} else if tok == fenceTok {
				fenceTok = ""
			}
			if cur == nil {
				openChapter(PrologueTitle, "")
			}
			buffer.WriteString(line)
			buffer.WriteString("\n")
			continue
		}
		if fenceTok != "" {
			if cur == nil {
				openChapter(PrologueTitle, "")
			}
			buffer.WriteString(line)
			buffer.WriteString("\n")
			continue
		}

		level, title := parseHeading(line)
		if level == 0 || level > maxLevel {
			if cur == nil {
				openChapter(PrologueTitle, "")
			}
			buffer.WriteString(line)
			buffer.WriteString("\n")
			continue
		}

		switch level {
		case 1:
			flush()
			if maxLevel == 1 {
				openChapter(title, "")
				curH2 = title // the whole chapter is one section keyed by its title
				buffer.WriteString(line)
				buffer.WriteString("\n")
			} else {
				openChapter(title, line)
			}
		case 2:
			flush()
			if cur == nil {
				openChapter(PrologueTitle, "")
			}
			curH2, curH3 = title, ""
			buffer.WriteString(line)
			buffer.WriteString("\n")
		case 3:
			flush()
			if cur == nil {
				openChapter(PrologueTitle, "")
			}
			if curH2 == "" {
				// H3 with no enclosing H2: treat it as its own section key.
				curH2, curH3 = title, ""
			} else {
				curH3 = title
			}
			buffer.WriteString(line)
			buffer.WriteString("\n")
		}
	}

	flush()

	// A document with nothing but whitespace still yields zero chapters;
	// any real body line has opened at least the prologue.
	return doc
}

// put records a section, keeping the last occurrence on duplicate keys.
func (c *Chapter) put(key, content string, log zerolog.Logger) {
	if content == "" {
		return
	}
	if _, seen := c.sections[key]; seen {
		log.Warn().Str("chapter", c.Title).Str("section", key).Msg("duplicate section key, keeping last occurrence")
		c.sections[key] = content
		return
	}
	c.keys = append(c.keys, key)
	c.sections[key] = content
}

// PrologueKeyFor returns the section key used for loose body content in a
// chapter that has no H2 yet.
func PrologueKeyFor(chapterTitle string) string {
	if chapterTitle == "" {
		return PrologueTitle
	}
	return chapterTitle
}

// parseHeading classifies a line as an ATX heading. The space after the hash
// run is required; four or more hashes rank as body.
func parseHeading(line string) (level int, title string) {
	trimmed := strings.TrimLeft(line, " \t")
	n := 0
	for n < len(trimmed) && trimmed[n] == '#' {
		n++
	}
	if n == 0 || n > 3 || n >= len(trimmed) || trimmed[n] != ' ' {
		return 0, ""
	}
	return n, strings.TrimSpace(trimmed[n+1:])
}

// fenceToken returns the fence marker when the line opens or closes a fenced
// code block, else "".
func fenceToken(trimmed string) string {
	if strings.HasPrefix(trimmed, "```") {
		return "```"
	}
	if strings.HasPrefix(trimmed, "~~~") {
		return "~~~"
	}
	return ""
}

// Reassemble concatenates every chapter back into Markdown in source order.
// Parse followed by Reassemble differs from the input only in trailing
// whitespace per line and the presence of a final newline.
func (d *Document) Reassemble() string {
	var sb strings.Builder
	for _, c := range d.chapters {
		if c.headingLine != "" {
			sb.WriteString(c.headingLine)
			sb.WriteString("\n")
		}
		sb.WriteString(c.intro)
		for _, key := range c.keys {
			sb.WriteString(c.sections[key])
		}
	}
	return sb.String()
}
