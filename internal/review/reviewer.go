package review

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/llm"
	"github.com/docsurge/docsurge/internal/markdown"
)

// Options bounds the per-task concurrency of a pipeline run.
type Options struct {
	// ModifyConcurrency caps in-flight section rewrites (default 5).
	ModifyConcurrency int
	// SearchConcurrency caps in-flight evidence queries (default 5).
	SearchConcurrency int
	// ClaimCap hard-caps claims per run (default 25).
	ClaimCap int
	// TopSources is the number of sources attached per claim (default 3).
	TopSources int
}

func (o *Options) setDefaults() {
	if o.ModifyConcurrency <= 0 {
		o.ModifyConcurrency = 5
	}
	if o.SearchConcurrency <= 0 {
		o.SearchConcurrency = 5
	}
	if o.ClaimCap <= 0 {
		o.ClaimCap = 25
	}
	if o.TopSources <= 0 {
		o.TopSources = 3
	}
}

// Agent is one complete reviewer: analyze the document, rewrite the targeted
// sections, report everything in the unified shape.
type Agent interface {
	Kind() Kind
	Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error)
}

// analyzeFunc produces the instruction list for a document. The returned
// string is a degradation note ("" when analysis was clean).
type analyzeFunc func(ctx context.Context, title, content string) ([]Instruction, string, error)

// Reviewer is the shared analyze → modify skeleton behind the redundancy,
// table and thesis agents.
type Reviewer struct {
	kind      Kind
	llm       llm.Completer
	opts      Options
	status    Status
	analyze   analyzeFunc
	modPrompt func(sectionKey, original, suggestion string) string
	logger    zerolog.Logger
}

// NewRedundancyAgent reviews for repeated prose within and across sections.
func NewRedundancyAgent(completer llm.Completer, opts Options, logger zerolog.Logger) *Reviewer {
	r := newReviewer(KindRedundancy, completer, opts, StatusModified, modifyPrompt, logger)
	r.analyze = r.singleCallAnalyzer(redundancyAnalyzePrompt)
	return r
}

// NewTableAgent converts structured enumerations into Markdown tables.
func NewTableAgent(completer llm.Completer, opts Options, logger zerolog.Logger) *Reviewer {
	r := newReviewer(KindTable, completer, opts, StatusTableOptimized, tableModifyPrompt, logger)
	r.analyze = r.singleCallAnalyzer(tableAnalyzePrompt)
	return r
}

// NewThesisAgent extracts the document's central thesis, then rewrites
// sections that drift from it.
func NewThesisAgent(completer llm.Completer, opts Options, logger zerolog.Logger) *Reviewer {
	r := newReviewer(KindThesis, completer, opts, StatusCorrected, modifyPrompt, logger)
	r.analyze = r.thesisAnalyzer()
	return r
}

func newReviewer(kind Kind, completer llm.Completer, opts Options, status Status, modPrompt func(string, string, string) string, logger zerolog.Logger) *Reviewer {
	opts.setDefaults()
	return &Reviewer{
		kind:      kind,
		llm:       completer,
		opts:      opts,
		status:    status,
		modPrompt: modPrompt,
		logger:    logger.With().Str("component", "review").Str("agent", string(kind)).Logger(),
	}
}

// Kind returns the agent's identity.
func (r *Reviewer) Kind() Kind { return r.kind }

// Run executes the full pipeline on one document.
func (r *Reviewer) Run(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	title := documentTitle(req)
	doc := markdown.Parse(req.Content, markdown.Options{Logger: r.logger})

	progress.Emit(10, "开始分析文档", 0, 0)
	instructions, note, err := r.analyze(ctx, title, req.Content)
	if err != nil {
		return nil, &AnalysisError{Agent: r.kind, Err: err}
	}
	progress.Emit(30, fmt.Sprintf("分析完成，共 %d 处待修改", len(instructions)), 0, 0)

	var records map[string]map[string]*SectionRecord
	if len(instructions) > 0 {
		mod := &modifier{
			llm:         r.llm,
			concurrency: r.opts.ModifyConcurrency,
			agent:       r.kind,
			status:      r.status,
			prompt:      r.modPrompt,
			logger:      r.logger,
		}
		records = mod.run(ctx, doc, instructions, func(done, total int) {
			progress.Emit(modifyProgress(done, total), fmt.Sprintf("正在修改章节 (%d/%d)", done, total), done, total)
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, &ProcessingError{Agent: r.kind, Stage: "modify", Err: err}
	}

	progress.Emit(95, "整理审查结果", 0, 0)
	return assembleResult(r.kind, req, doc, records, nil, note, r.logger), nil
}

// modifyProgress maps per-section completion onto the 40–90 band.
func modifyProgress(done, total int) int {
	if total <= 0 {
		return 90
	}
	return 40 + 50*done/total
}

// singleCallAnalyzer runs one LLM call and leniently parses the instruction
// array. Unparseable output degrades to zero instructions with a note rather
// than failing the task.
func (r *Reviewer) singleCallAnalyzer(prompt func(title, content string) string) analyzeFunc {
	return func(ctx context.Context, title, content string) ([]Instruction, string, error) {
		response, err := r.llm.Complete(ctx, analyzerSystemPrompt, prompt(title, content))
		if err != nil {
			return nil, "", err
		}
		instructions, ok := decodeInstructions(response)
		if !ok {
			r.logger.Warn().Msg("analyzer response was not parseable JSON, degrading to no instructions")
			return nil, "分析结果解析失败，本次未生成修改建议", nil
		}
		return instructions, "", nil
	}
}

// thesisAnalyzer runs the two-step analysis: extract the central thesis, then
// locate sections inconsistent with it.
func (r *Reviewer) thesisAnalyzer() analyzeFunc {
	return func(ctx context.Context, title, content string) ([]Instruction, string, error) {
		thesis, err := r.llm.Complete(ctx, analyzerSystemPrompt, thesisExtractPrompt(title, content))
		if err != nil {
			return nil, "", fmt.Errorf("extract thesis: %w", err)
		}

		response, err := r.llm.Complete(ctx, analyzerSystemPrompt, thesisAnalyzePrompt(title, thesis, content))
		if err != nil {
			return nil, "", err
		}
		instructions, ok := decodeInstructions(response)
		if !ok {
			r.logger.Warn().Msg("thesis analyzer response was not parseable JSON, degrading to no instructions")
			return nil, "分析结果解析失败，本次未生成修改建议", nil
		}
		return instructions, "", nil
	}
}

// assembleResult builds the unified view, the flat projection, and the
// rebuilt document shared by every agent's final stage.
func assembleResult(kind Kind, req Request, doc *markdown.Document, records map[string]map[string]*SectionRecord, evidence []EvidenceResult, note string, logger zerolog.Logger) *Result {
	unified := BuildUnified(doc, records)

	var rebuilt string
	if unified.ModifiedCount() > 0 {
		replacements := make(map[string]map[string]string)
		for _, c := range unified.Chapters() {
			for _, key := range c.Keys() {
				rec, _ := c.Record(key)
				if !isModification(rec.Status) {
					continue
				}
				if replacements[c.Title] == nil {
					replacements[c.Title] = make(map[string]string)
				}
				replacements[c.Title][key] = rec.RegeneratedContent
			}
		}
		rebuilt = markdown.Rebuild(req.Content, replacements, logger)
	}

	return &Result{
		Unified:  unified,
		Chapters: Flatten(unified),
		Rebuilt:  rebuilt,
		Evidence: evidence,
		Summary:  fmt.Sprintf("共审查 %d 个章节，修改 %d 处", unified.RecordCount(), unified.ModifiedCount()),
		Message:  note,
	}
}

func documentTitle(req Request) string {
	if req.Title != "" {
		return req.Title
	}
	if req.Filename != "" {
		return req.Filename
	}
	return "未命名文档"
}
