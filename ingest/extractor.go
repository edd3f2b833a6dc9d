package ingest

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// StripHTML removes HTML tags, scripts, styles, and decodes entities — the
// fallback text extraction path for fetched web pages that the readability
// pass (go-shiori/go-readability) couldn't find an article in.
func StripHTML(content string) string {
	var result strings.Builder
	result.Grow(len(content))

	inTag := false
	inScript := false
	inStyle := false
	var tagName strings.Builder
	collectingTagName := false

	i := 0
	for i < len(content) {
		r, size := utf8.DecodeRuneInString(content[i:])

		if r == '<' {
			inTag = true
			tagName.Reset()
			collectingTagName = true
			i += size
			continue
		}

		if inTag {
			if collectingTagName {
				if unicode.IsSpace(r) || r == '>' || (r == '/' && tagName.Len() > 0) {
					collectingTagName = false
					lower := strings.ToLower(tagName.String())
					switch lower {
					case "script":
						inScript = true
					case "/script":
						inScript = false
					case "style":
						inStyle = true
					case "/style":
						inStyle = false
					}
					if isBlockTag(lower) {
						result.WriteByte('\n')
					}
				} else {
					tagName.WriteRune(r)
				}
			}
			if r == '>' {
				inTag = false
			}
			i += size
			continue
		}

		if inScript || inStyle {
			i += size
			continue
		}

		if r == '&' {
			if decoded, skip := decodeEntity(content, i); skip > 0 {
				result.WriteString(decoded)
				i += skip
				continue
			}
		}

		result.WriteRune(r)
		i += size
	}

	return collapseWhitespace(result.String())
}

func isBlockTag(tag string) bool {
	tag = strings.TrimPrefix(tag, "/")
	switch tag {
	case "p", "div", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "ul", "ol", "table", "tr", "blockquote", "pre",
		"section", "article", "header", "footer", "nav", "main":
		return true
	}
	return false
}

func decodeEntity(content string, start int) (string, int) {
	if start >= len(content) || content[start] != '&' {
		return "", 0
	}
	maxLen := 12
	end := start + maxLen
	if end > len(content) {
		end = len(content)
	}
	for j := start + 1; j < end; j++ {
		ch := content[j]
		if ch == ';' {
			entity := content[start : j+1]
			consumed := j - start + 1
			if decoded, ok := namedEntities[entity]; ok {
				return decoded, consumed
			}
			if len(entity) > 3 && entity[1] == '#' {
				inner := entity[2 : len(entity)-1]
				var codepoint int64
				var err error
				if inner[0] == 'x' || inner[0] == 'X' {
					codepoint, err = strconv.ParseInt(inner[1:], 16, 32)
				} else {
					codepoint, err = strconv.ParseInt(inner, 10, 32)
				}
				if err == nil && codepoint > 0 && codepoint <= 0x10FFFF {
					return string(rune(codepoint)), consumed
				}
			}
			return "", 0
		}
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '#') {
			return "", 0
		}
	}
	return "", 0
}

var namedEntities = map[string]string{
	"&amp;":    "&",
	"&lt;":     "<",
	"&gt;":     ">",
	"&quot;":   "\"",
	"&#39;":    "'",
	"&apos;":   "'",
	"&nbsp;":   " ",
	"&mdash;":  "—",
	"&ndash;":  "–",
	"&copy;":   "©",
	"&reg;":    "®",
	"&trade;":  "™",
	"&hellip;": "…",
	"&laquo;":  "«",
	"&raquo;":  "»",
	"&bull;":   "•",
	"&middot;": "·",
	"&times;":  "×",
	"&divide;": "÷",
	"&deg;":    "°",
	"&euro;":   "€",
	"&pound;":  "£",
	"&yen;":    "¥",
	"&cent;":   "¢",
}

func collapseWhitespace(text string) string {
	var result strings.Builder
	lines := strings.Split(text, "\n")
	emptyCount := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if result.Len() > 0 {
				emptyCount++
			}
		} else {
			if emptyCount > 0 {
				result.WriteByte('\n')
				if emptyCount > 1 {
					result.WriteByte('\n')
				}
			} else if result.Len() > 0 {
				result.WriteByte('\n')
			}
			result.WriteString(trimmed)
			emptyCount = 0
		}
	}

	return strings.TrimSpace(result.String())
}
