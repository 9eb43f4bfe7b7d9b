package sampler

import (
	"regexp"
	"strings"

	"github.com/sadopc/trackd/internal/store"
)

type rule struct {
	pattern *regexp.Regexp
	kind    store.ActivityType
}

// rules are tried in order against the application name. First match wins.
var rules = []rule{
	{regexp.MustCompile(`(?i)Code|Visual Studio`), store.ActivityCoding},
	{regexp.MustCompile(`(?i)Chrome|Firefox|Safari|Edge`), store.ActivityBrowsing},
}

// Classify maps an application name to an activity type. The title is
// accepted so rules can grow to look at it; none do today.
func Classify(app, title string) store.ActivityType {
	for _, r := range rules {
		if r.pattern.MatchString(app) {
			return r.kind
		}
	}
	return store.ActivityOther
}

var fileTitle = regexp.MustCompile(`^(.+?)\s*[—-]`)

// FileFromTitle extracts the file name editors put before the first dash,
// as in "main.go - trackd - Visual Studio Code".
func FileFromTitle(title string) string {
	m := fileTitle.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
