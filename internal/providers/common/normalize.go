package common

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"

	"agentmesh/knowledgeservice/internal/domain"
)

var (
	tokenPattern      = regexp.MustCompile(`[\p{L}\p{N}]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

var academicDomains = domainSet(
	"arxiv.org", "pubmed.ncbi.nlm.nih.gov", "scholar.google.com",
	"semanticscholar.org", "jstor.org", "ieee.org", "acm.org",
	"springer.com", "nature.com", "sciencedirect.com",
)

var newsDomains = domainSet(
	"reuters.com", "apnews.com", "bbc.com", "bbc.co.uk",
	"nytimes.com", "theguardian.com", "bloomberg.com", "cnn.com",
)

var documentationDomains = domainSet(
	"developer.mozilla.org", "docs.python.org", "pkg.go.dev", "golang.org",
	"learn.microsoft.com", "docs.microsoft.com", "docs.aws.amazon.com",
	"kubernetes.io", "readthedocs.io",
)

var socialDomains = domainSet(
	"twitter.com", "x.com", "facebook.com", "reddit.com",
	"linkedin.com", "instagram.com", "tiktok.com", "news.ycombinator.com",
)

var reliableDomains = domainSet(
	"wikipedia.org", "stackoverflow.com", "github.com", "mozilla.org", "w3.org",
)

var videoDomains = domainSet("youtube.com", "youtu.be", "vimeo.com")

var blogDomains = domainSet(
	"medium.com", "dev.to", "substack.com", "hashnode.com",
	"wordpress.com", "blogspot.com",
)

// Freenom-style TLDs that host throwaway sites.
var suspiciousTLDs = domainSet("tk", "ml", "ga", "cf", "gq")

func domainSet(hosts ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		set[host] = struct{}{}
	}
	return set
}

// DomainOf returns the lowercased host of a URL without a leading "www.",
// or "unknown" when no host can be parsed.
func DomainOf(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "unknown"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "unknown"
	}
	return host
}

// NormalizeText applies NFC normalization, lowercases and collapses
// whitespace. Used for cache keys, dedup signatures and term matching.
func NormalizeText(s string) string {
	value := norm.NFC.String(strings.TrimSpace(s))
	value = strings.ToLower(value)
	return whitespacePattern.ReplaceAllString(value, " ")
}

// QueryTerms extracts the lowercase terms of a query that are longer than
// two runes, preserving order and dropping duplicates.
func QueryTerms(query string) []string {
	matches := tokenPattern.FindAllString(NormalizeText(query), -1)
	terms := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		if len([]rune(match)) <= 2 {
			continue
		}
		if _, ok := seen[match]; ok {
			continue
		}
		seen[match] = struct{}{}
		terms = append(terms, match)
	}
	return terms
}

// ContentHash builds the stable dedup fingerprint over
// lowercase(trim(title)) | lowercase(host) | lowercase(snippet[0..100]).
func ContentHash(title, rawURL, snippet string) string {
	normalizedTitle := strings.ToLower(strings.TrimSpace(title))
	host := DomainOf(rawURL)
	normalizedSnippet := strings.ToLower(snippet)
	if runes := []rune(normalizedSnippet); len(runes) > 100 {
		normalizedSnippet = string(runes[:100])
	}
	digest := xxhash.Sum64String(normalizedTitle + "|" + host + "|" + normalizedSnippet)
	return fmt.Sprintf("%016x", digest)
}

func InferSourceType(dom string) domain.SourceType {
	if dom == "" || dom == "unknown" {
		return domain.SourceTypeUnknown
	}
	switch {
	case matchesDomainSet(dom, academicDomains) || hasTLD(dom, "edu"):
		return domain.SourceTypeAcademic
	case matchesDomainSet(dom, documentationDomains) || strings.HasPrefix(dom, "docs."):
		return domain.SourceTypeDocumentation
	case matchesDomainSet(dom, newsDomains):
		return domain.SourceTypeNews
	case matchesDomainSet(dom, socialDomains):
		return domain.SourceTypeSocial
	default:
		return domain.SourceTypeWeb
	}
}

func InferContentType(dom string, sourceType domain.SourceType) domain.ContentType {
	switch {
	case matchesDomainSet(dom, videoDomains):
		return domain.ContentTypeVideo
	case matchesDomainSet(dom, blogDomains) || strings.HasPrefix(dom, "blog."):
		return domain.ContentTypeBlog
	}
	switch sourceType {
	case domain.SourceTypeAcademic:
		return domain.ContentTypeAcademicPaper
	case domain.SourceTypeDocumentation:
		return domain.ContentTypeDocumentation
	case domain.SourceTypeNews:
		return domain.ContentTypeNews
	default:
		return domain.ContentTypeArticle
	}
}

// CredibilityFor computes the base credibility of a domain: a floor by
// source type, a bump for trusted TLDs and known-reliable hosts, a penalty
// for throwaway TLDs.
func CredibilityFor(dom string, sourceType domain.SourceType) float64 {
	var score float64
	switch sourceType {
	case domain.SourceTypeAcademic:
		score = 0.9
	case domain.SourceTypeDocumentation:
		score = 0.85
	case domain.SourceTypeNews:
		score = 0.75
	case domain.SourceTypeWeb:
		score = 0.6
	case domain.SourceTypeSocial:
		score = 0.4
	default:
		score = 0.5
	}

	if hasTLD(dom, "edu") || hasTLD(dom, "gov") {
		score += 0.1
	}
	if matchesDomainSet(dom, reliableDomains) {
		score += 0.1
	}
	if _, ok := suspiciousTLDs[lastLabel(dom)]; ok {
		score -= 0.3
	}

	return Clamp01(score)
}

func Clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func matchesDomainSet(dom string, set map[string]struct{}) bool {
	if _, ok := set[dom]; ok {
		return true
	}
	for candidate := range set {
		if strings.HasSuffix(dom, "."+candidate) {
			return true
		}
	}
	return false
}

func hasTLD(dom, tld string) bool {
	return lastLabel(dom) == tld || strings.Contains(dom, "."+tld+".")
}

func lastLabel(dom string) string {
	idx := strings.LastIndexByte(dom, '.')
	if idx < 0 || idx == len(dom)-1 {
		return dom
	}
	return dom[idx+1:]
}
