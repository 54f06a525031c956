package review

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/docsurge/docsurge/internal/markdown"
)

// Unified is the canonical two-level output shape: H1 title → section key →
// record, both levels in the document's source order. Go maps do not keep
// insertion order, so the shape is held as ordered slices and serialized by
// hand.
type Unified struct {
	chapters []*UnifiedChapter
	byTitle  map[string]*UnifiedChapter
}

// UnifiedChapter is one H1's worth of section records.
type UnifiedChapter struct {
	Title   string
	keys    []string
	records map[string]*SectionRecord
}

// Keys returns the section keys in source order.
func (c *UnifiedChapter) Keys() []string { return c.keys }

// Record returns the record for a section key.
func (c *UnifiedChapter) Record(key string) (*SectionRecord, bool) {
	r, ok := c.records[key]
	return r, ok
}

// Chapters returns the chapters in source order.
func (u *Unified) Chapters() []*UnifiedChapter { return u.chapters }

// Chapter returns the chapter with the given H1 title.
func (u *Unified) Chapter(title string) (*UnifiedChapter, bool) {
	c, ok := u.byTitle[title]
	return c, ok
}

// RecordCount returns the total number of records.
func (u *Unified) RecordCount() int {
	n := 0
	for _, c := range u.chapters {
		n += len(c.keys)
	}
	return n
}

// ModifiedCount returns the number of records whose status marks a real
// content change.
func (u *Unified) ModifiedCount() int {
	n := 0
	for _, c := range u.chapters {
		for _, key := range c.keys {
			if isModification(c.records[key].Status) {
				n++
			}
		}
	}
	return n
}

func isModification(s Status) bool {
	switch s {
	case StatusModified, StatusTableOptimized, StatusCorrected, StatusEnhanced:
		return true
	}
	return false
}

// BuildUnified merges sparse per-section records onto the parsed document's
// order. Every section the parser yielded appears: targeted sections carry
// their record, untouched ones a passthrough record with status success. The
// builder never invents sections; records for keys the parser did not yield
// are dropped.
func BuildUnified(doc *markdown.Document, records map[string]map[string]*SectionRecord) *Unified {
	u := &Unified{byTitle: make(map[string]*UnifiedChapter)}

	for _, chapter := range doc.Chapters() {
		uc := &UnifiedChapter{
			Title:   chapter.Title,
			records: make(map[string]*SectionRecord),
		}
		for _, key := range chapter.Keys() {
			content, _ := chapter.Section(key)
			rec, ok := records[chapter.Title][key]
			if !ok {
				rec = &SectionRecord{
					OriginalContent:    content,
					RegeneratedContent: content,
					WordCount:          WordCount(content),
					Status:             StatusSuccess,
				}
			}
			uc.keys = append(uc.keys, key)
			uc.records[key] = rec
		}
		u.chapters = append(u.chapters, uc)
		u.byTitle[uc.Title] = uc
	}
	return u
}

// WordCount counts runes rather than bytes or space-separated words; the
// documents are largely CJK text without word boundaries.
func WordCount(s string) int {
	return utf8.RuneCountInString(s)
}

// MarshalJSON renders the ordered {H1: {sectionKey: record}} object.
func (u *Unified) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range u.chapters {
		if i > 0 {
			buf.WriteByte(',')
		}
		title, err := json.Marshal(c.Title)
		if err != nil {
			return nil, err
		}
		buf.Write(title)
		buf.WriteByte(':')
		buf.WriteByte('{')
		for j, key := range c.keys {
			if j > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			buf.Write(k)
			buf.WriteByte(':')
			rec, err := json.Marshal(c.records[key])
			if err != nil {
				return nil, err
			}
			buf.Write(rec)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Flatten projects the unified shape into the ordered front-end list,
// keeping only records that represent a real modification plus identified
// claims; untouched and no-evidence records are filtered out.
func Flatten(u *Unified) []FlatChapter {
	chapters := make([]FlatChapter, 0)
	for _, c := range u.chapters {
		for _, key := range c.keys {
			rec := c.records[key]
			if !isModification(rec.Status) && rec.Status != StatusIdentified {
				continue
			}
			chapters = append(chapters, FlatChapter{
				OriginalText: rec.OriginalContent,
				EditText:     rec.RegeneratedContent,
				Comment:      rec.Suggestion,
			})
		}
	}
	return chapters
}
