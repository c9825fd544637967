package textnorm

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	amountCharsRe = regexp.MustCompile(`[^0-9,.\-]`)
	digitRe       = regexp.MustCompile(`[0-9]`)
	// 上游转码偶尔会在金额前拼接 "x0" 噪声，例如 "90934.00"
	mangledIntRe = regexp.MustCompile(`^\d0\d{3,}$`)
)

// ParseEuroAmount 解析欧式格式的金额字符串。
//
// 同时出现逗号和点时点为千位分隔符、逗号为小数点；只有逗号时逗号为小数点；
// 只有一个点时点为小数点，但若整数部分形如 "d0ddd..."（上游噪声）则先去掉前两个字符。
// 无法解析时 ok 为 false，而不是返回 0。
func ParseEuroAmount(s string) (value float64, ok bool) {
	cleaned := amountCharsRe.ReplaceAllString(s, "")
	if !digitRe.MatchString(cleaned) {
		return 0, false
	}

	negative := strings.HasPrefix(cleaned, "-")
	cleaned = strings.ReplaceAll(cleaned, "-", "")

	hasComma := strings.Contains(cleaned, ",")
	hasDot := strings.Contains(cleaned, ".")

	switch {
	case hasComma && hasDot:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = lastSeparatorAsDecimal(cleaned, ",")
	case hasComma:
		cleaned = lastSeparatorAsDecimal(cleaned, ",")
	case hasDot:
		if strings.Count(cleaned, ".") > 1 {
			// 多个点只可能是千位分隔符
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			break
		}
		intPart := cleaned[:strings.Index(cleaned, ".")]
		if mangledIntRe.MatchString(intPart) {
			cleaned = cleaned[2:]
		}
	}

	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

// ParseEuroAmountPtr 与 ParseEuroAmount 相同，无法解析时返回 nil。
func ParseEuroAmountPtr(s string) *float64 {
	v, ok := ParseEuroAmount(s)
	if !ok {
		return nil
	}
	return &v
}

// lastSeparatorAsDecimal 删除除最后一个以外的分隔符，并把最后一个替换为小数点。
func lastSeparatorAsDecimal(s, sep string) string {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s
	}
	head := strings.ReplaceAll(s[:idx], sep, "")
	return head + "." + s[idx+len(sep):]
}
