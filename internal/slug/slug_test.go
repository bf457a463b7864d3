package slug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMake(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Elwynn Forest":      "elwynn-forest",
		"  Un'Goro Crater  ": "un-goro-crater",
		"../../evil":         "evil",
		"Ashenvale_(zone)":   "ashenvale-zone",
		"---":                "",
		"Zul'Aman 2":         "zul-aman-2",
	}
	for in, want := range cases {
		assert.Equal(t, want, Make(in), in)
	}
}

func TestFromWikiTarget(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/wiki/Darkshore":            "darkshore",
		"Darkshore":                  "darkshore",
		"/wiki/Stonetalon_Mountains": "stonetalon-mountains",
		"/wiki/Felwood#Geography":    "felwood",
		"https://x.org/wiki/Azshara": "azshara",
		"/wiki/The%20Barrens":        "the-barrens",
		"/wiki/File:Map.jpg":         "",
		"Category:Zones":             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, FromWikiTarget(in), in)
	}
}

func TestHumanize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Darkshore", Humanize("darkshore"))
	assert.Equal(t, "Elwynn Forest", Humanize("elwynn-forest"))
	assert.Equal(t, "", Humanize(""))
}
