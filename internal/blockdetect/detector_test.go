package blockdetect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func article() string {
	paragraph := "Ashenvale is a forested region in northern Kalimdor that has long been home to the night elves and their sentinels. "
	return "# Ashenvale\n\n" + strings.Repeat(paragraph, 6) + "\n\n## History\n\n" + strings.Repeat(paragraph, 3)
}

func TestClassify(t *testing.T) {
	d := New(Config{})

	tests := []struct {
		name    string
		content string
		blocked bool
		stage   string
	}{
		{name: "clean article", content: article(), blocked: false},
		{name: "definitive phrase", content: article() + "\nPlease ENABLE JavaScript and cookies to continue", blocked: true, stage: StagePhrase},
		{name: "captcha", content: "solve the CAPTCHA below", blocked: true, stage: StagePhrase},
		{name: "short content alone is clean", content: "A short stub page about a quest giver.", blocked: false},
		{name: "short plus keywords", content: "Just a moment... Ray ID 7f1", blocked: true, stage: StageSoft},
		{name: "short link farm", content: "[a](https://x.example/a) [b](https://x.example/b) [c](https://x.example/c)", blocked: true, stage: StageSoft},
		{name: "long bullet dump", content: strings.Repeat("- item\n", 300), blocked: true, stage: StageStructural},
		{name: "empty is short but clean", content: "", blocked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := d.Classify(tt.content)
			assert.Equal(t, tt.blocked, v.Blocked, "reason=%q", v.Reason)
			assert.Equal(t, tt.stage, v.Stage)
			if tt.blocked {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestClassify_PhraseReasonIsMatchedPhrase(t *testing.T) {
	d := New(Config{})
	v := d.Classify("Checking your browser before accessing the site")
	require.True(t, v.Blocked)
	assert.Equal(t, "checking your browser", v.Reason)
	assert.Equal(t, 1.0, v.Score)
}

func TestClassify_PhraseStageShortCircuits(t *testing.T) {
	d := New(Config{Phrases: []string{"custom wall"}})
	v := d.Classify("this is a Custom Wall page with cloudflare and ray id")
	require.True(t, v.Blocked)
	assert.Equal(t, StagePhrase, v.Stage)
	assert.Equal(t, "custom wall", v.Reason)
}

func TestClassify_SoftScoreAccumulates(t *testing.T) {
	d := New(Config{})
	v := d.Classify("Access denied. Too many requests from your network.")
	require.True(t, v.Blocked)
	assert.Equal(t, StageSoft, v.Stage)
	assert.InDelta(t, 0.8, v.Score, 1e-9)
	assert.Contains(t, v.Reason, "short content")
	assert.Contains(t, v.Reason, "access denied")
}

func TestClassify_StructuralCanBeDisabled(t *testing.T) {
	d := New(Config{DisableStructural: true})
	v := d.Classify(strings.Repeat("- item\n", 300))
	assert.False(t, v.Blocked)
}

func TestClassify_LongTableWithHeadingIsClean(t *testing.T) {
	d := New(Config{})
	content := "## Vendors\n" + strings.Repeat("| Name | Location |\n", 120)
	assert.False(t, d.Classify(content).Blocked)
}

func TestBoilerplateRatio(t *testing.T) {
	assert.Equal(t, 0.0, boilerplateRatio(""))
	assert.Equal(t, 1.0, boilerplateRatio("[a](b)"))
	assert.InDelta(t, 0.0, boilerplateRatio("plain words only"), 1e-9)
}
