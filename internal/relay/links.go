package relay

import "regexp"

var docURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9\-]+\.(?:feishu|larkoffice)\.(?:cn|com)/(?:docx|wiki|docs|sheets|base|file)/[a-zA-Z0-9\-_]+`)

// ExtractDocURL returns the first Feishu/Lark document link found in text.
func ExtractDocURL(text string) (string, bool) {
	match := docURLPattern.FindString(text)
	if match == "" {
		return "", false
	}
	return match, true
}
