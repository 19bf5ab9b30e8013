package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ToTelegramHTML converts markdown to Telegram-compatible HTML
func ToTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return cleanHTMLForTelegram(html)
}

// cleanHTMLForTelegram strips everything Telegram's HTML parse mode rejects
func cleanHTMLForTelegram(html string) string {
	html = regexp.MustCompile(`<p>(.*?)</p>`).ReplaceAllString(html, "$1\n")

	html = strings.ReplaceAll(html, "<strong>", "<b>")
	html = strings.ReplaceAll(html, "</strong>", "</b>")
	html = strings.ReplaceAll(html, "<em>", "<i>")
	html = strings.ReplaceAll(html, "</em>", "</i>")

	html = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`).ReplaceAllString(html, "<pre>$1</pre>")

	html = strings.ReplaceAll(html, "<ul>", "")
	html = strings.ReplaceAll(html, "</ul>", "")
	html = strings.ReplaceAll(html, "<ol>", "")
	html = strings.ReplaceAll(html, "</ol>", "")
	html = strings.ReplaceAll(html, "<li>", "• ")
	html = strings.ReplaceAll(html, "</li>", "\n")

	supportedTags := []string{"b", "i", "u", "s", "code", "pre", "a", "br"}
	tagPattern := `</?([a-zA-Z]+)(?:\s[^>]*)?>`

	html = regexp.MustCompile(tagPattern).ReplaceAllStringFunc(html, func(match string) string {
		tagMatch := regexp.MustCompile(`</?([a-zA-Z]+)`).FindStringSubmatch(match)
		if len(tagMatch) > 1 {
			tagName := tagMatch[1]
			for _, supported := range supportedTags {
				if tagName == supported {
					return match
				}
			}
		}
		return ""
	})

	html = regexp.MustCompile(`\n{3,}`).ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
