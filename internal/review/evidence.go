package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/llm"
	"github.com/docsurge/docsurge/internal/markdown"
	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/search"
)

// EvidenceAgent finds unsupported factual claims, fans out web searches per
// claim, and rewrites the surrounding sections folding the best sources in.
type EvidenceAgent struct {
	llm      llm.Completer
	searcher search.Searcher
	opts     Options
	logger   zerolog.Logger
}

// NewEvidenceAgent wires the evidence pipeline.
func NewEvidenceAgent(completer llm.Completer, searcher search.Searcher, opts Options, logger zerolog.Logger) *EvidenceAgent {
	opts.setDefaults()
	return &EvidenceAgent{
		llm:      completer,
		searcher: searcher,
		opts:     opts,
		logger:   logger.With().Str("component", "review").Str("agent", string(KindEvidence)).Logger(),
	}
}

// Kind returns the agent's identity.
func (a *EvidenceAgent) Kind() Kind { return KindEvidence }

// Run executes analyze → search → modify on one document.
func (a *EvidenceAgent) Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	title := documentTitle(req)
	doc := markdown.Parse(req.Content, markdown.Options{Logger: a.logger})

	progress.Emit(10, "开始识别缺乏支撑的论断", 0, 0)
	claims, note, err := a.analyzeClaims(ctx, title, req.Content)
	if err != nil {
		return nil, &AnalysisError{Agent: KindEvidence, Err: err}
	}

	claims, dropped := capClaims(claims, a.opts.ClaimCap)
	if len(dropped) > 0 {
		dropNote := fmt.Sprintf("论断数量超出上限，%d 条仅标记未检索", len(dropped))
		if note != "" {
			note += "；" + dropNote
		} else {
			note = dropNote
		}
	}
	progress.Emit(30, fmt.Sprintf("识别到 %d 条论断", len(claims)), 0, 0)

	evidence := a.searchStage(ctx, claims, func(done, total int) {
		progress.Emit(40+20*done/total, fmt.Sprintf("正在检索证据 (%d/%d)", done, total), done, total)
	})

	if err := ctx.Err(); err != nil {
		return nil, &ProcessingError{Agent: KindEvidence, Stage: "search", Err: err}
	}

	records := a.modifyStage(ctx, doc, claims, evidence, func(done, total int) {
		progress.Emit(60+30*done/total, fmt.Sprintf("正在改写章节 (%d/%d)", done, total), done, total)
	})
	if records == nil {
		// Every kept claim may resolve to no section; dropped claims still
		// need somewhere to land.
		records = make(map[string]map[string]*SectionRecord)
	}
	a.markDropped(doc, dropped, records)

	if err := ctx.Err(); err != nil {
		return nil, &ProcessingError{Agent: KindEvidence, Stage: "modify", Err: err}
	}

	progress.Emit(95, "整理审查结果", 0, 0)
	return assembleResult(KindEvidence, req, doc, records, evidence, note, a.logger), nil
}

func (a *EvidenceAgent) analyzeClaims(ctx context.Context, title, content string) ([]UnsupportedClaim, string, error) {
	response, err := a.llm.Complete(ctx, analyzerSystemPrompt, evidenceAnalyzePrompt(title, content))
	if err != nil {
		return nil, "", err
	}
	claims, ok := decodeClaims(response)
	if !ok {
		a.logger.Warn().Msg("claim analyzer response was not parseable JSON, degrading to no claims")
		return nil, "分析结果解析失败，本次未识别论断", nil
	}
	return claims, "", nil
}

// capClaims enforces the per-run claim cap, keeping the highest-confidence
// claims and returning the rest in their original order.
func capClaims(claims []UnsupportedClaim, limit int) (kept, dropped []UnsupportedClaim) {
	if len(claims) <= limit {
		return claims, nil
	}

	byConfidence := make([]UnsupportedClaim, len(claims))
	copy(byConfidence, claims)
	sort.SliceStable(byConfidence, func(i, j int) bool {
		return byConfidence[i].Confidence > byConfidence[j].Confidence
	})

	keptIDs := make(map[string]bool, limit)
	for _, c := range byConfidence[:limit] {
		keptIDs[c.ClaimID] = true
	}
	for _, c := range claims {
		if keptIDs[c.ClaimID] {
			kept = append(kept, c)
		} else {
			dropped = append(dropped, c)
		}
	}
	return kept, dropped
}

// searchStage runs the bounded parallel search fan-out and scores the hits.
func (a *EvidenceAgent) searchStage(ctx context.Context, claims []UnsupportedClaim, onStep func(done, total int)) []EvidenceResult {
	if len(claims) == 0 {
		return nil
	}

	results := make([]EvidenceResult, len(claims))
	sem := make(chan struct{}, a.opts.SearchConcurrency)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		done int
	)

	for i, claim := range claims {
		wg.Add(1)
		go func(i int, claim UnsupportedClaim) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = a.searchClaim(ctx, claim)

			mu.Lock()
			done++
			d := done
			mu.Unlock()
			onStep(d, len(claims))
		}(i, claim)
	}

	wg.Wait()
	return results
}

func (a *EvidenceAgent) searchClaim(ctx context.Context, claim UnsupportedClaim) EvidenceResult {
	query := buildQuery(claim)
	result := EvidenceResult{
		ClaimID:      claim.ClaimID,
		ClaimText:    claim.ClaimText,
		SectionTitle: claim.SectionTitle,
		SearchQuery:  query,
	}

	hits, err := a.searcher.Search(ctx, query)
	if err != nil {
		a.logger.Warn().Err(err).Str("claim_id", claim.ClaimID).Msg("evidence search failed")
		result.Status = EvidenceFailed
		return result
	}

	result.Sources = search.ScoreHits(claim.ClaimText, hits, a.opts.TopSources)
	switch {
	case len(result.Sources) == 0:
		result.Status = EvidenceFailed
	case len(result.Sources) < a.opts.TopSources:
		result.Status = EvidencePartial
	default:
		result.Status = EvidenceSuccess
	}

	if len(result.Sources) > 0 {
		sum := 0.0
		for _, s := range result.Sources {
			sum += s.Score
		}
		result.Confidence = sum / float64(len(result.Sources))
	}
	return result
}

// buildQuery joins the first three search keywords; a claim without keywords
// falls back to its own text.
func buildQuery(claim UnsupportedClaim) string {
	keywords := claim.SearchKeywords
	if len(keywords) > 3 {
		keywords = keywords[:3]
	}
	query := strings.TrimSpace(strings.Join(keywords, " "))
	if query == "" {
		query = claim.ClaimText
	}
	return query
}

// evidenceJob is the per-section unit of the evidence modify stage: all
// claims that landed on one section, in analyzer order.
type evidenceJob struct {
	chapterTitle string
	key          string
	original     string
	claims       []UnsupportedClaim
	evidence     []EvidenceResult
}

// modifyStage rewrites each claim's section folding the sources in. Sections
// run in parallel; claims on the same section chain their rewrites.
func (a *EvidenceAgent) modifyStage(ctx context.Context, doc *markdown.Document, claims []UnsupportedClaim, evidence []EvidenceResult, onStep func(done, total int)) map[string]map[string]*SectionRecord {
	byID := make(map[string]EvidenceResult, len(evidence))
	for _, ev := range evidence {
		byID[ev.ClaimID] = ev
	}

	var jobs []*evidenceJob
	index := make(map[string]*evidenceJob)
	for _, claim := range claims {
		chapter, key, ok := doc.Lookup(claim.SectionTitle)
		if !ok {
			a.logger.Warn().Str("claim_id", claim.ClaimID).Str("section", claim.SectionTitle).Msg("claim references unknown section, dropping")
			continue
		}
		id := chapter.Title + "\x00" + key
		job, seen := index[id]
		if !seen {
			original, _ := chapter.Section(key)
			job = &evidenceJob{chapterTitle: chapter.Title, key: key, original: original}
			index[id] = job
			jobs = append(jobs, job)
		}
		job.claims = append(job.claims, claim)
		job.evidence = append(job.evidence, byID[claim.ClaimID])
	}

	total := 0
	for _, j := range jobs {
		total += len(j.claims)
	}
	if total == 0 {
		return nil
	}

	records := make(map[string]map[string]*SectionRecord)
	sem := make(chan struct{}, a.opts.ModifyConcurrency)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		done int
	)

	for _, job := range jobs {
		wg.Add(1)
		go func(job *evidenceJob) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rec := a.enhanceSection(ctx, job, func() {
				mu.Lock()
				done++
				d := done
				mu.Unlock()
				onStep(d, total)
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

// enhanceSection applies a section's claims in order: claims with sources
// get one rewrite each, claims without leave the content alone. The section
// is enhanced if any rewrite succeeded, no_evidence if nothing was found for
// any claim, failed if rewrites were attempted and all failed.
func (a *EvidenceAgent) enhanceSection(ctx context.Context, job *evidenceJob, step func()) *SectionRecord {
	content := job.original
	enhanced := 0
	attempted := 0
	var lastErr error
	var suggestions []string

	for i, claim := range job.claims {
		ev := job.evidence[i]
		suggestions = append(suggestions, claim.ClaimText)

		if len(ev.Sources) == 0 {
			step()
			continue
		}
		attempted++

		if err := ctx.Err(); err != nil {
			lastErr = err
			step()
			continue
		}

		response, err := a.llm.Complete(ctx, modifySystemPrompt,
			evidenceModifyPrompt(job.key, content, claim.ClaimText, formatSources(ev.Sources)))
		if err == nil {
			if body := cleanSectionBody(response); body != "" {
				content = body
				enhanced++
				step()
				continue
			}
			a.logger.Warn().Str("claim_id", claim.ClaimID).Msg("empty evidence rewrite, keeping previous content")
		} else {
			lastErr = err
			a.logger.Error().Err(err).Str("claim_id", claim.ClaimID).Msg("evidence rewrite failed")
		}
		step()
	}

	rec := &SectionRecord{
		OriginalContent: job.original,
		Suggestion:      strings.Join(suggestions, "；"),
	}

	switch {
	case enhanced > 0:
		rec.RegeneratedContent = content
		rec.WordCount = WordCount(content)
		rec.Status = StatusEnhanced
	case attempted == 0:
		rec.RegeneratedContent = job.original
		rec.WordCount = WordCount(job.original)
		rec.Status = StatusNoEvidence
	default:
		rec.RegeneratedContent = job.original
		rec.WordCount = WordCount(job.original)
		rec.Status = StatusFailed
		if lastErr != nil {
			rec.Error = lastErr.Error()
		} else {
			rec.Error = "模型未返回有效改写内容"
		}
	}
	metrics.SectionsModifiedTotal.WithLabelValues(string(KindEvidence), string(rec.Status)).Inc()
	return rec
}

// markDropped records cap-overflow claims as identified without touching
// their sections. Sections already carrying a record keep it.
func (a *EvidenceAgent) markDropped(doc *markdown.Document, dropped []UnsupportedClaim, records map[string]map[string]*SectionRecord) {
	for _, claim := range dropped {
		chapter, key, ok := doc.Lookup(claim.SectionTitle)
		if !ok {
			continue
		}
		if records[chapter.Title] == nil {
			records[chapter.Title] = make(map[string]*SectionRecord)
		}
		if _, taken := records[chapter.Title][key]; taken {
			continue
		}
		original, _ := chapter.Section(key)
		records[chapter.Title][key] = &SectionRecord{
			OriginalContent:    original,
			Suggestion:         claim.ClaimText,
			RegeneratedContent: original,
			WordCount:          WordCount(original),
			Status:             StatusIdentified,
		}
	}
}

func formatSources(sources []search.Source) string {
	var sb strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&sb, "- %s（%s）：%s\n", s.Title, s.URL, s.Snippet)
	}
	return sb.String()
}
