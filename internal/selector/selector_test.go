package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
)

func urls(results []crawler.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.URL
	}
	return out
}

func TestSelect_PreferredDomainBeatsTierWeight(t *testing.T) {
	s, err := New(crawler.ScopeCategory{
		Name:             "overview",
		PreferredDomains: []string{"wowpedia.fandom.com"},
		MaxPages:         5,
	})
	require.NoError(t, err)

	got := s.Select([]crawler.SearchResult{
		{URL: "a", Domain: "other.com", TierWeight: 0.9},
		{URL: "b", Domain: "wowpedia.fandom.com", TierWeight: 0.3},
	}, nil)

	assert.Equal(t, []string{"b", "a"}, urls(got))
}

func TestSelect_OrderingAndStability(t *testing.T) {
	s, err := New(crawler.ScopeCategory{
		Name:             "npcs",
		PreferredDomains: []string{"wowpedia.fandom.com", "wowhead.com"},
		MaxPages:         10,
	})
	require.NoError(t, err)

	results := []crawler.SearchResult{
		{URL: "u1", Domain: "random.org", TierWeight: 0.1},
		{URL: "u2", Domain: "www.wowhead.com", TierWeight: 0.5},
		{URL: "u3", Domain: "blog.example", TierWeight: 0.7},
		{URL: "u4", Domain: "wowpedia.fandom.com", TierWeight: 0.2},
		{URL: "u5", Domain: "random.org", TierWeight: 0.7},
		{URL: "u6", Domain: "wowhead.com", TierWeight: 0.9},
	}

	want := []string{"u4", "u6", "u2", "u3", "u5", "u1"}
	for i := 0; i < 3; i++ {
		assert.Equal(t, want, urls(s.Select(results, nil)))
	}
}

func TestSelect_SubdomainOfPreferred(t *testing.T) {
	s, err := New(crawler.ScopeCategory{PreferredDomains: []string{"fandom.com"}, MaxPages: 3})
	require.NoError(t, err)

	got := s.Select([]crawler.SearchResult{
		{URL: "https://other.net/x", TierWeight: 1},
		{URL: "https://wowpedia.fandom.com/wiki/Ashenvale"},
	}, nil)
	assert.Equal(t, []string{"https://wowpedia.fandom.com/wiki/Ashenvale", "https://other.net/x"}, urls(got))
}

func TestSelect_FiltersAndCap(t *testing.T) {
	s, err := New(crawler.ScopeCategory{
		Name:     "quests",
		Include:  []string{`/wiki/`, `/quest=`},
		Exclude:  []string{`(?i)/wiki/Category:`},
		MaxPages: 2,
	})
	require.NoError(t, err)

	results := []crawler.SearchResult{
		{URL: "https://x.example/wiki/Category:Quests"},
		{URL: "https://x.example/blog/post"},
		{URL: "https://x.example/wiki/The_Lost_Ones"},
		{URL: "https://wowhead.com/quest=123"},
		{URL: "https://x.example/wiki/Done"},
		{URL: "https://x.example/wiki/Another"},
	}
	crawled := map[string]struct{}{"https://x.example/wiki/Done": {}}

	got := s.Select(results, crawled)
	assert.Equal(t, []string{"https://x.example/wiki/The_Lost_Ones", "https://wowhead.com/quest=123"}, urls(got))
}

func TestSelect_NeverExceedsCap(t *testing.T) {
	s, err := New(crawler.ScopeCategory{MaxPages: 3})
	require.NoError(t, err)

	var results []crawler.SearchResult
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		results = append(results, crawler.SearchResult{URL: u})
	}
	assert.Len(t, s.Select(results, nil), 3)
	assert.Empty(t, s.SelectN(results, nil, 0))
	assert.NotNil(t, s.SelectN(results, nil, 0))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(crawler.ScopeCategory{Name: "bad", Exclude: []string{"("}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category bad exclude")
}
