package review

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/llm"
	"github.com/docsurge/docsurge/internal/markdown"
	"github.com/docsurge/docsurge/internal/metrics"
)

// modifier rewrites targeted sections concurrently. Distinct sections run in
// parallel up to the concurrency bound; instructions that landed on the same
// section apply sequentially in analyzer order, each seeing the previous
// rewrite as its original content.
type modifier struct {
	llm         llm.Completer
	concurrency int
	agent       Kind
	status      Status
	prompt      func(sectionKey, original, suggestion string) string
	logger      zerolog.Logger
}

// sectionJob is all the work one section receives.
type sectionJob struct {
	chapterTitle string
	key          string
	original     string
	instructions []Instruction
}

// run resolves instructions against the parsed document and rewrites each
// targeted section. The returned map is sparse: chapter title → section key →
// record. onStep fires once per applied instruction.
func (m *modifier) run(ctx context.Context, doc *markdown.Document, instructions []Instruction, onStep func(done, total int)) map[string]map[string]*SectionRecord {
	jobs := m.resolve(doc, instructions)

	total := 0
	for _, j := range jobs {
		total += len(j.instructions)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		done    int
		records = make(map[string]map[string]*SectionRecord)
	)

	concurrency := m.concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)

	for _, job := range jobs {
		wg.Add(1)
		go func(job *sectionJob) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rec := m.rewriteSection(ctx, job, func() {
				mu.Lock()
				done++
				d := done
				mu.Unlock()
				if onStep != nil {
					onStep(d, total)
				}
			})

			mu.Lock()
			if records[job.chapterTitle] == nil {
				records[job.chapterTitle] = make(map[string]*SectionRecord)
			}
			records[job.chapterTitle][job.key] = rec
			mu.Unlock()
		}(job)
	}

	wg.Wait()
	return records
}

// resolve groups instructions by the section they land on, preserving the
// analyzer's emission order within each section. Instructions that reference
// no known section are dropped with a warning.
func (m *modifier) resolve(doc *markdown.Document, instructions []Instruction) []*sectionJob {
	var jobs []*sectionJob
	index := make(map[string]*sectionJob)

	for _, inst := range instructions {
		chapter, key, ok := doc.Lookup(inst.Subtitle)
		if !ok {
			m.logger.Warn().
				Str("agent", string(m.agent)).
				Str("subtitle", inst.Subtitle).
				Msg("instruction references unknown section, dropping")
			continue
		}
		id := chapter.Title + "\x00" + key
		job, seen := index[id]
		if !seen {
			original, _ := chapter.Section(key)
			job = &sectionJob{chapterTitle: chapter.Title, key: key, original: original}
			index[id] = job
			jobs = append(jobs, job)
		}
		job.instructions = append(job.instructions, inst)
	}
	return jobs
}

// rewriteSection applies a section's instructions in order. A failed or
// empty rewrite keeps the content from before that instruction; the section
// fails as a whole only when no instruction succeeded.
func (m *modifier) rewriteSection(ctx context.Context, job *sectionJob, step func()) *SectionRecord {
	content := job.original
	succeeded := 0
	var lastErr error

	for _, inst := range job.instructions {
		if err := ctx.Err(); err != nil {
			lastErr = err
			step()
			continue
		}

		response, err := m.llm.Complete(ctx, modifySystemPrompt, m.prompt(job.key, content, inst.Suggestion))
		if err == nil {
			if body := cleanSectionBody(response); body != "" {
				content = body
				succeeded++
				step()
				continue
			}
			m.logger.Warn().
				Str("agent", string(m.agent)).
				Str("section", job.key).
				Msg("empty rewrite, keeping previous content")
		} else {
			lastErr = err
			m.logger.Error().Err(err).
				Str("agent", string(m.agent)).
				Str("section", job.key).
				Msg("section rewrite failed")
		}
		step()
	}

	suggestions := make([]string, 0, len(job.instructions))
	for _, inst := range job.instructions {
		suggestions = append(suggestions, inst.Suggestion)
	}

	rec := &SectionRecord{
		OriginalContent: job.original,
		Suggestion:      strings.Join(suggestions, "；"),
	}

	if succeeded == 0 {
		rec.RegeneratedContent = job.original
		rec.WordCount = WordCount(job.original)
		rec.Status = StatusFailed
		if lastErr != nil {
			rec.Error = lastErr.Error()
		} else {
			rec.Error = "模型未返回有效改写内容"
		}
		metrics.SectionsModifiedTotal.WithLabelValues(string(m.agent), string(StatusFailed)).Inc()
		return rec
	}

	rec.RegeneratedContent = content
	rec.WordCount = WordCount(content)
	rec.Status = m.status
	metrics.SectionsModifiedTotal.WithLabelValues(string(m.agent), string(m.status)).Inc()
	return rec
}
