package youtube

import (
	"encoding/json"
	"html"
	"regexp"
)

// decodeScraped turns a string captured out of embedded page JSON into
// readable text: JS escapes first (\uXXXX, \", \/), then HTML entities.
func decodeScraped(raw string) string {
	s := raw
	var out string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &out); err == nil {
		s = out
	}
	return html.UnescapeString(s)
}

// firstSubmatch tries patterns in order and returns the first group of the
// first pattern that matches.
func firstSubmatch(body []byte, patterns []*regexp.Regexp) (string, bool) {
	for _, re := range patterns {
		if m := re.FindSubmatch(body); m != nil {
			return string(m[1]), true
		}
	}
	return "", false
}
