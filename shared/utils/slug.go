package utils

import (
	"strings"
	"unicode"
)

// Slugify превращает произвольное имя в безопасный для имени файла slug:
// латиница/цифры в нижнем регистре, остальное схлопывается в дефисы.
func Slugify(name string) string {
	var sb strings.Builder
	lastDash := true // Подавляем ведущие дефисы
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII, unicode.IsDigit(r) && r < unicode.MaxASCII:
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimRight(sb.String(), "-")
	if slug == "" {
		return "story-stack"
	}
	return slug
}
