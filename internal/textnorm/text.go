// Package textnorm 提供各渠道解析器共用的文本、金额与日期规范化函数。
//
// 所有函数均为纯函数，无副作用，相同输入始终得到相同输出。
package textnorm

import (
	"encoding/base64"
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	inlineSpaceRe   = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankLinesRe    = regexp.MustCompile(`\n{3,}`)
	qpSoftBreakRe   = regexp.MustCompile(`=\r?\n`)
	qpHexRe         = regexp.MustCompile(`=([0-9A-Fa-f]{2})`)
	qpSignalRe      = regexp.MustCompile(`=\r?\n|=3[Dd]|=20|=[89A-Fa-f][0-9A-Fa-f]`)
	base64Re        = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	scriptStyleRe   = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	brTagRe         = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockCloseRe    = regexp.MustCompile(`(?i)</(p|div|li|tr)\s*>`)
	listOpenRe      = regexp.MustCompile(`(?i)<li[^>]*>`)
	anyTagRe        = regexp.MustCompile(`(?s)<[^>]+>`)
	trailingSpaceRe = regexp.MustCompile(`[ \t]+\n`)
)

// CollapseWhitespace 将连续空白（含换行）压缩为单个空格并去除首尾空白。
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// NormalizeLines 保留段落结构：行内空白压缩为一个空格，每行去除首尾空白，
// 三个及以上的连续换行压缩为一个空行。
func NormalizeLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpaceRe.ReplaceAllString(line, " "))
	}
	out := strings.Join(lines, "\n")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// DecodeQuotedPrintable 解码 quoted-printable 转义序列（=XX 十六进制与软换行）。
//
// 与 mime/quotedprintable 不同，遇到非法序列时原样保留，不返回错误。
// 解码结果为 C0 控制字符（制表符与换行除外）的转义同样保留原文。
func DecodeQuotedPrintable(s string) string {
	if !strings.Contains(s, "=") {
		return s
	}
	s = qpSoftBreakRe.ReplaceAllString(s, "")
	decoded := qpHexRe.ReplaceAllFunc([]byte(s), func(m []byte) []byte {
		v, err := strconv.ParseUint(string(m[1:]), 16, 8)
		if err != nil || isControl(byte(v)) {
			return m
		}
		return []byte{byte(v)}
	})
	return string(decoded)
}

func isControl(b byte) bool {
	return b < 0x20 && b != '\t' && b != '\n' && b != '\r'
}

// LooksQuotedPrintable 是否含有 quoted-printable 特征：软换行、=3D、=20
// 或编码非 ASCII 字节的转义。普通 URL 参数 id=12345678 不算。
func LooksQuotedPrintable(s string) bool {
	return qpSignalRe.MatchString(s)
}

// DecodeBase64Maybe 仅当整个字符串看起来是 base64 时才解码。
//
// 条件：去除空白后非空、长度为 4 的倍数、只包含 base64 字母表字符、
// 解码成功且结果非空并且是合法 UTF-8。任一条件不满足则原样返回输入。
func DecodeBase64Maybe(s string) string {
	stripped := whitespaceRe.ReplaceAllString(s, "")
	if stripped == "" || len(stripped)%4 != 0 || !base64Re.MatchString(stripped) {
		return s
	}
	decoded, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil || len(decoded) == 0 || !utf8.Valid(decoded) {
		return s
	}
	return string(decoded)
}

// DecodeBody 依次执行 quoted-printable 解码与 base64 试探解码。
// 只有带 quoted-printable 特征的正文才会做第一步。
func DecodeBody(s string) string {
	if LooksQuotedPrintable(s) {
		s = DecodeQuotedPrintable(s)
	}
	return DecodeBase64Maybe(s)
}

// StripHTML 将 HTML 转换为可读文本。
//
// <br> 与 </p>、</div>、</li> 转为换行，<li> 转为前导短横线，
// 其余标签全部丢弃，实体解码后把 3 个以上的连续换行压缩为一个空行。
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	out := scriptStyleRe.ReplaceAllString(s, "")
	out = brTagRe.ReplaceAllString(out, "\n")
	out = blockCloseRe.ReplaceAllString(out, "\n")
	out = listOpenRe.ReplaceAllString(out, "- ")
	out = anyTagRe.ReplaceAllString(out, "")
	out = html.UnescapeString(out)
	out = strings.ReplaceAll(out, "\u00a0", " ")
	out = strings.ReplaceAll(out, "\r\n", "\n")
	out = trailingSpaceRe.ReplaceAllString(out, "\n")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// Truncate 按 rune 截断字符串，超出部分以省略号结尾。
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max])) + "…"
}
