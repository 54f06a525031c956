package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsurge/docsurge/internal/search"
)

// fakeSearcher scripts search results per query.
type fakeSearcher struct {
	mu      sync.Mutex
	fn      func(query string) ([]search.Hit, error)
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]search.Hit, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.fn(query)
}

const medicalDoc = `# 医疗AI白皮书
## 医疗AI
AI诊断准确率超过90%，应用前景广阔。
`

const claimResponse = `[{"claim_id":"claim-1","claim_text":"AI诊断准确率超过90%","section_title":"医疗AI","search_keywords":["AI","诊断","准确率"],"context":"AI诊断准确率超过90%，应用前景广阔。","confidence":0.9}]`

func TestEvidenceAgent_WithResults(t *testing.T) {
	completer := &fakeCompleter{fn: func(call int, _, user string) (string, error) {
		if call == 1 {
			return claimResponse, nil
		}
		assert.Contains(t, user, "AI诊断准确率超过90%")
		assert.Contains(t, user, "nature.com")
		return "据 Nature 研究（https://www.nature.com/ai-dx），AI诊断准确率超过90%，应用前景广阔。", nil
	}}
	searcher := &fakeSearcher{fn: func(query string) ([]search.Hit, error) {
		return []search.Hit{
			{Title: "AI diagnostic accuracy study", URL: "https://www.nature.com/ai-dx", Snippet: "AI 诊断 准确率 90%"},
			{Title: "Hospital AI report", URL: "https://example.org/report", Snippet: "AI 诊断"},
			{Title: "Blog post", URL: "https://blog.example.com/ai", Snippet: "AI"},
		}, nil
	}}

	agent := NewEvidenceAgent(completer, searcher, Options{}, zerolog.Nop())
	result, err := agent.Run(context.Background(), Request{Content: medicalDoc}, nil)
	require.NoError(t, err)

	// The query is the first three keywords joined by spaces.
	require.Len(t, searcher.queries, 1)
	assert.Equal(t, "AI 诊断 准确率", searcher.queries[0])

	chapter, ok := result.Unified.Chapter("医疗AI白皮书")
	require.True(t, ok)
	rec, ok := chapter.Record("医疗AI")
	require.True(t, ok)
	assert.Equal(t, StatusEnhanced, rec.Status)
	assert.Contains(t, rec.RegeneratedContent, "nature.com")

	require.Len(t, result.Evidence, 1)
	assert.Equal(t, EvidenceSuccess, result.Evidence[0].Status)
	require.Len(t, result.Evidence[0].Sources, 3)
	assert.Greater(t, result.Evidence[0].Confidence, 0.0)

	// Exactly one modified record end to end.
	assert.Equal(t, 1, result.Unified.ModifiedCount())
	assert.Len(t, result.Chapters, 1)
}

func TestEvidenceAgent_NoResults(t *testing.T) {
	completer := &fakeCompleter{fn: func(call int, _, _ string) (string, error) {
		if call == 1 {
			return claimResponse, nil
		}
		t.Fatal("no rewrite call expected without evidence")
		return "", nil
	}}
	searcher := &fakeSearcher{fn: func(string) ([]search.Hit, error) {
		return nil, nil
	}}

	agent := NewEvidenceAgent(completer, searcher, Options{}, zerolog.Nop())
	result, err := agent.Run(context.Background(), Request{Content: medicalDoc}, nil)
	require.NoError(t, err)

	chapter, _ := result.Unified.Chapter("医疗AI白皮书")
	rec, _ := chapter.Record("医疗AI")
	assert.Equal(t, StatusNoEvidence, rec.Status)
	assert.Equal(t, rec.OriginalContent, rec.RegeneratedContent)

	// No-evidence records stay out of the flat projection.
	assert.Empty(t, result.Chapters)
	assert.Empty(t, result.Rebuilt)
}

func TestEvidenceAgent_SearchFailureAbsorbed(t *testing.T) {
	completer := &fakeCompleter{fn: func(call int, _, _ string) (string, error) {
		return claimResponse, nil
	}}
	searcher := &fakeSearcher{fn: func(string) ([]search.Hit, error) {
		return nil, errors.New("quota exceeded")
	}}

	agent := NewEvidenceAgent(completer, searcher, Options{}, zerolog.Nop())
	result, err := agent.Run(context.Background(), Request{Content: medicalDoc}, nil)
	require.NoError(t, err, "per-claim search failure must not fail the task")

	require.Len(t, result.Evidence, 1)
	assert.Equal(t, EvidenceFailed, result.Evidence[0].Status)

	chapter, _ := result.Unified.Chapter("医疗AI白皮书")
	rec, _ := chapter.Record("医疗AI")
	assert.Equal(t, StatusNoEvidence, rec.Status)
}

func TestEvidenceAgent_ClaimCapKeepsHighestConfidence(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# 报告\n")
	var claims []string
	for i := 1; i <= 4; i++ {
		sb.WriteString(fmt.Sprintf("## 第%d节\n论断%d。\n", i, i))
		claims = append(claims, fmt.Sprintf(
			`{"claim_id":"c%d","claim_text":"论断%d","section_title":"第%d节","search_keywords":["论断%d"],"confidence":0.%d}`,
			i, i, i, i, i))
	}

	completer := &fakeCompleter{fn: func(call int, _, _ string) (string, error) {
		if call == 1 {
			return "[" + strings.Join(claims, ",") + "]", nil
		}
		return "改写后的内容。", nil
	}}
	searcher := &fakeSearcher{fn: func(query string) ([]search.Hit, error) {
		return []search.Hit{
			{Title: query, URL: "https://data.gov/x", Snippet: query},
			{Title: query, URL: "https://stats.org/y", Snippet: query},
			{Title: query, URL: "https://example.com/z", Snippet: query},
		}, nil
	}}

	agent := NewEvidenceAgent(completer, searcher, Options{ClaimCap: 2}, zerolog.Nop())
	result, err := agent.Run(context.Background(), Request{Content: sb.String()}, nil)
	require.NoError(t, err)

	// Highest-confidence claims (c4, c3) searched; c1, c2 only identified.
	assert.Len(t, searcher.queries, 2)
	assert.Contains(t, result.Message, "2")

	report, _ := result.Unified.Chapter("报告")
	statuses := map[string]Status{}
	for _, key := range report.Keys() {
		rec, _ := report.Record(key)
		statuses[key] = rec.Status
	}
	assert.Equal(t, StatusIdentified, statuses["第1节"])
	assert.Equal(t, StatusIdentified, statuses["第2节"])
	assert.Equal(t, StatusEnhanced, statuses["第3节"])
	assert.Equal(t, StatusEnhanced, statuses["第4节"])
}

func TestEvidenceAgent_DroppedClaimsSurviveUnknownKeptSections(t *testing.T) {
	// The cap keeps the high-confidence claim, but its section title is a
	// hallucination; only the dropped claim points at a real section.
	doc := "# 报告\n## B\n真实章节内容。\n"
	completer := &fakeCompleter{fn: func(call int, _, _ string) (string, error) {
		require.Equal(t, 1, call, "no rewrite call expected when no claim resolves")
		return `[{"claim_id":"c1","claim_text":"虚构论断","section_title":"没有这个章节","search_keywords":["虚构"],"confidence":0.9},` +
			`{"claim_id":"c2","claim_text":"真实论断","section_title":"B","search_keywords":["真实"],"confidence":0.5}]`, nil
	}}
	searcher := &fakeSearcher{fn: func(query string) ([]search.Hit, error) {
		return []search.Hit{{Title: query, URL: "https://data.gov/x", Snippet: query}}, nil
	}}

	agent := NewEvidenceAgent(completer, searcher, Options{ClaimCap: 1}, zerolog.Nop())
	result, err := agent.Run(context.Background(), Request{Content: doc}, nil)
	require.NoError(t, err)

	chapter, ok := result.Unified.Chapter("报告")
	require.True(t, ok)
	rec, ok := chapter.Record("B")
	require.True(t, ok)
	assert.Equal(t, StatusIdentified, rec.Status)
	assert.Equal(t, "真实论断", rec.Suggestion)
	assert.Equal(t, rec.OriginalContent, rec.RegeneratedContent)
}

func TestBuildQuery_Fallbacks(t *testing.T) {
	assert.Equal(t, "a b c", buildQuery(UnsupportedClaim{SearchKeywords: []string{"a", "b", "c", "d"}}))
	assert.Equal(t, "论断原文", buildQuery(UnsupportedClaim{ClaimText: "论断原文"}))
}

func TestEvidenceAgent_RewriteFailureFallsBack(t *testing.T) {
	completer := &fakeCompleter{fn: func(call int, _, _ string) (string, error) {
		if call == 1 {
			return claimResponse, nil
		}
		return "", errors.New("model unavailable")
	}}
	searcher := &fakeSearcher{fn: func(string) ([]search.Hit, error) {
		return []search.Hit{{Title: "t", URL: "https://a.gov/x", Snippet: "AI 诊断 准确率"}}, nil
	}}

	agent := NewEvidenceAgent(completer, searcher, Options{}, zerolog.Nop())
	result, err := agent.Run(context.Background(), Request{Content: medicalDoc}, nil)
	require.NoError(t, err)

	chapter, _ := result.Unified.Chapter("医疗AI白皮书")
	rec, _ := chapter.Record("医疗AI")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, rec.OriginalContent, rec.RegeneratedContent)
	assert.NotEmpty(t, rec.Error)
}
