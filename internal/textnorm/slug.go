package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// DefaultSlug 当输入和调用方默认值都为空时使用
const DefaultSlug = "item"

// StripDiacritics 使用 NFD 分解后移除组合附加符号，例如 "Città" -> "Citta"。
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Slugify 把任意文本转为小写连字符形式的键。
//
// 结果为空时返回 fallback；fallback 也为空时返回 DefaultSlug，保证永不返回空串。
func Slugify(s, fallback string) string {
	slug := strings.ToLower(StripDiacritics(s))
	slug = nonSlugRe.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug != "" {
		return slug
	}
	if fallback != "" {
		return fallback
	}
	return DefaultSlug
}
