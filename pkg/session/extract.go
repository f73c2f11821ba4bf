package session

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractTag returns the text between <tag> and </tag>. Surrounding
// whitespace and a CDATA wrapper are removed.
func extractTag(body, tag string) (string, bool) {
	open := "<" + tag + ">"
	i := strings.Index(body, open)
	if i < 0 {
		return "", false
	}
	rest := body[i+len(open):]
	j := strings.Index(rest, "</"+tag+">")
	if j < 0 {
		return "", false
	}
	v := strings.TrimSpace(rest[:j])
	v = strings.TrimPrefix(v, "<![CDATA[")
	v = strings.TrimSuffix(v, "]]>")
	v = strings.TrimSpace(v)
	return v, v != ""
}

var inputValuePatterns = map[string]*regexp.Regexp{
	"lt":        regexp.MustCompile(`name="lt"\s+value="([^"]*)"`),
	"execution": regexp.MustCompile(`name="execution"\s+value="([^"]*)"`),
}

// casForm holds the hidden fields of the CAS login form.
type casForm struct {
	LT        string
	Execution string
}

// extractCASForm reads the lt and execution hidden inputs. The HTML is
// parsed first; pages too broken for the parser fall back to the fixed
// name="x" value="y" pattern. The name of the first missing field is
// returned when a field cannot be found.
func extractCASForm(body string) (casForm, string) {
	var f casForm
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		f.LT = doc.Find(`input[name="lt"]`).First().AttrOr("value", "")
		f.Execution = doc.Find(`input[name="execution"]`).First().AttrOr("value", "")
	}
	if f.LT == "" {
		f.LT = matchInputValue(body, "lt")
	}
	if f.Execution == "" {
		f.Execution = matchInputValue(body, "execution")
	}
	switch {
	case f.LT == "":
		return f, "lt"
	case f.Execution == "":
		return f, "execution"
	}
	return f, ""
}

func matchInputValue(body, name string) string {
	m := inputValuePatterns[name].FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}
