package profile

import (
	"html"
	"regexp"
	"strings"
)

var (
	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaTagRe  = regexp.MustCompile(`(?is)<meta\s[^>]*>`)
	attrNameRe = regexp.MustCompile(`(?i)\b(?:name|property)\s*=\s*["']?(description|og:description)["']?`)
	contentRe  = regexp.MustCompile(`(?is)\bcontent\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// ExtractPage pulls the title and meta description out of raw HTML with
// permissive patterns. Missing elements yield empty strings.
func ExtractPage(body string) *Page {
	p := &Page{}
	if m := titleRe.FindStringSubmatch(body); m != nil {
		p.Title = cleanText(m[1])
	}

	var og string
	for _, tag := range metaTagRe.FindAllString(body, -1) {
		name := attrNameRe.FindStringSubmatch(tag)
		if name == nil {
			continue
		}
		c := contentRe.FindStringSubmatch(tag)
		if c == nil {
			continue
		}
		val := cleanText(c[1] + c[2])
		if val == "" {
			continue
		}
		if strings.EqualFold(name[1], "description") {
			p.Description = val
			break
		}
		if og == "" {
			og = val
		}
	}
	if p.Description == "" {
		p.Description = og
	}
	return p
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(html.UnescapeString(s), " "))
}
