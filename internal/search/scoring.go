package search

import (
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// Source is a scored search result backing (or refuting) a claim.
type Source struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet"`
	Domain    string  `json:"domain"`
	Authority float64 `json:"authority"`
	Relevance float64 `json:"relevance"`
	Score     float64 `json:"score"`
}

const (
	authorityWeight = 0.6
	relevanceWeight = 0.4
)

// knownDomains maps well-known publishers to a hand-tuned authority. Checked
// before the TLD fallback.
var knownDomains = map[string]float64{
	"wikipedia.org":      0.75,
	"nature.com":         0.95,
	"sciencedirect.com":  0.9,
	"springer.com":       0.9,
	"ieee.org":           0.9,
	"acm.org":            0.9,
	"arxiv.org":          0.8,
	"who.int":            0.95,
	"un.org":             0.9,
	"worldbank.org":      0.9,
	"stats.gov.cn":       0.9,
	"xinhuanet.com":      0.8,
	"people.com.cn":      0.8,
	"reuters.com":        0.85,
	"bloomberg.com":      0.8,
	"zhihu.com":          0.4,
	"baike.baidu.com":    0.45,
	"blog.csdn.net":      0.35,
	"medium.com":         0.4,
	"stackoverflow.com":  0.5,
	"github.com":         0.55,
}

// DomainAuthority scores a URL's host. Known publishers win over the TLD
// heuristic; unparseable URLs get the floor.
func DomainAuthority(rawURL string) float64 {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0.3
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))

	for domain, score := range knownDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return score
		}
	}

	switch {
	case strings.HasSuffix(host, ".gov") || strings.Contains(host, ".gov."):
		return 0.9
	case strings.HasSuffix(host, ".edu") || strings.Contains(host, ".edu."):
		return 0.85
	case strings.HasSuffix(host, ".org"):
		return 0.7
	default:
		return 0.5
	}
}

// Relevance measures lexical overlap between a claim and a result's title and
// snippet. Tokens shared with the claim add to the score; contiguous
// two-token runs count extra. The result is clamped to [0,1].
func Relevance(claim string, hit Hit) float64 {
	claimToks := tokenize(claim)
	if len(claimToks) == 0 {
		return 0
	}
	hitToks := tokenize(hit.Title + " " + hit.Snippet)
	if len(hitToks) == 0 {
		return 0
	}

	hitSet := make(map[string]bool, len(hitToks))
	for _, tok := range hitToks {
		hitSet[tok] = true
	}

	overlap := 0
	for _, tok := range claimToks {
		if hitSet[tok] {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(claimToks))

	// Contiguous bigrams from the claim appearing in the hit text signal the
	// same statement rather than shared vocabulary.
	hitText := strings.Join(hitToks, " ")
	for i := 0; i+1 < len(claimToks); i++ {
		if strings.Contains(hitText, claimToks[i]+" "+claimToks[i+1]) {
			score += 0.1
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// ScoreHits converts raw hits into scored sources ordered best-first and
// truncated to topK. topK <= 0 keeps everything.
func ScoreHits(claim string, hits []Hit, topK int) []Source {
	sources := make([]Source, 0, len(hits))
	for _, h := range hits {
		authority := DomainAuthority(h.URL)
		relevance := Relevance(claim, h)
		domain := h.Domain
		if domain == "" {
			domain = hostOf(h.URL)
		}
		sources = append(sources, Source{
			Title:     h.Title,
			URL:       h.URL,
			Snippet:   h.Snippet,
			Domain:    domain,
			Authority: authority,
			Relevance: relevance,
			Score:     authorityWeight*authority + relevanceWeight*relevance,
		})
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})

	if topK > 0 && len(sources) > topK {
		sources = sources[:topK]
	}
	return sources
}

// tokenize lowercases and splits on anything that is not a letter or digit.
// CJK text has no word boundaries, so runs of Han characters are split into
// single-character tokens; bigram matching recovers phrase structure.
func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			toks = append(toks, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return toks
}
