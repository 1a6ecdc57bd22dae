package submit

import (
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var (
	adjectives = []string{
		"amber", "brave", "calm", "dusty", "eager", "fancy", "gentle", "happy",
		"icy", "jolly", "kind", "lively", "misty", "noble", "odd", "proud",
		"quiet", "rapid", "shiny", "tidy", "urban", "vivid", "witty", "young",
	}
	nouns = []string{
		"anchor", "badger", "canyon", "dolphin", "ember", "falcon", "garden", "harbor",
		"island", "jungle", "kettle", "lantern", "meadow", "nebula", "orchid", "pepper",
		"quartz", "river", "summit", "tiger", "umbrella", "valley", "willow", "zephyr",
	}
)

// ValidSlug reports whether s can be used as a job id and DNS label.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// NormalizeSlug lowercases and trims a user supplied slug.
func NormalizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// GenerateSlug returns a readable random slug such as "misty-harbor-3f9a1c".
func GenerateSlug() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return adjectives[rand.IntN(len(adjectives))] + "-" + nouns[rand.IntN(len(nouns))] + "-" + suffix
}
