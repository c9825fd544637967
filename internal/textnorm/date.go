package textnorm

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateRange 入住/退房日期区间，日期均为 UTC 零点
type DateRange struct {
	Start time.Time
	End   time.Time
}

// monthNames 意大利语（含缩写）与英语月份名称
var monthNames = map[string]time.Month{
	"gennaio": time.January, "gen": time.January,
	"febbraio": time.February, "feb": time.February,
	"marzo": time.March, "mar": time.March,
	"aprile": time.April, "apr": time.April,
	"maggio": time.May, "mag": time.May,
	"giugno": time.June, "giu": time.June,
	"luglio": time.July, "lug": time.July,
	"agosto": time.August, "ago": time.August,
	"settembre": time.September, "set": time.September, "sett": time.September,
	"ottobre": time.October, "ott": time.October,
	"novembre": time.November, "nov": time.November,
	"dicembre": time.December, "dic": time.December,

	"january": time.January, "jan": time.January,
	"february": time.February,
	"march": time.March,
	"april": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November,
	"december": time.December, "dec": time.December,
}

const (
	monthWord   = `([A-Za-zÀ-ÿ]+)\.?`
	rangeSep    = `(?:\s*(?:-|–|—)\s*|\s+(?:al|to|until|fino al)\s+)`
	weekdayWord = `(?:[A-Za-zÀ-ÿ]+\.?,?\s+)?`
	numericDate = `(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4}|\d{2})`
)

var (
	numericDateRe = regexp.MustCompile(`\b` + numericDate + `\b`)
	namedDateRe   = regexp.MustCompile(`(?i)\b(\d{1,2})\s+` + monthWord + `,?\s+(\d{4})\b`)

	longDate    = `(\d{1,2}(?:\s+[A-Za-zÀ-ÿ]+\.?,?\s+\d{4}|[/.]\d{1,2}[/.](?:\d{4}|\d{2})))`
	longRangeRe = regexp.MustCompile(`(?i)` + longDate + rangeSep + weekdayWord + longDate)

	shortRangeRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s+` + monthWord + `(?:\s+(\d{4}))?` + rangeSep + weekdayWord + `(\d{1,2})\s+` + monthWord + `(?:\s+(\d{4}))?`)

	// "12 - 15 marzo 2025"，两个日期共用月份
	sharedMonthRangeRe = regexp.MustCompile(`(?i)\b(\d{1,2})` + rangeSep + `(\d{1,2})\s+` + monthWord + `(?:\s+(\d{4}))?`)
)

// LookupMonth 根据月份名称（大小写与重音不敏感）返回月份。
func LookupMonth(name string) (time.Month, bool) {
	key := strings.ToLower(StripDiacritics(strings.TrimSuffix(strings.TrimSpace(name), ".")))
	m, ok := monthNames[key]
	return m, ok
}

// ParseItalianDate 在文本中查找第一个 dd/mm/yyyy（两位或四位年份）
// 或 "d <月份> yyyy" 形式的日期。
func ParseItalianDate(s string) (time.Time, bool) {
	if m := numericDateRe.FindStringSubmatch(s); m != nil {
		if t, ok := buildDate(m[3], m[2], m[1]); ok {
			return t, true
		}
	}
	for _, m := range namedDateRe.FindAllStringSubmatch(s, -1) {
		month, ok := LookupMonth(m[2])
		if !ok {
			continue
		}
		if t, ok := buildDate(m[3], strconv.Itoa(int(month)), m[1]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDateRange 解析日期区间。
//
// 先尝试两端都带年份的长格式，再尝试共用尾部年份的短格式。
// 缺失的年份取 ref 的年份；起始日晚于结束日且起始年份未显式给出时，起始年份减一。
func ParseDateRange(s string, ref time.Time) (DateRange, bool) {
	for _, m := range longRangeRe.FindAllStringSubmatch(s, -1) {
		start, okStart := ParseItalianDate(m[1])
		end, okEnd := ParseItalianDate(m[2])
		if okStart && okEnd && !end.Before(start) {
			return DateRange{Start: start, End: end}, true
		}
	}

	for _, m := range shortRangeRe.FindAllStringSubmatch(s, -1) {
		startMonth, ok1 := LookupMonth(m[2])
		endMonth, ok2 := LookupMonth(m[5])
		if !ok1 || !ok2 {
			continue
		}
		if r, ok := resolveShortRange(m[1], startMonth, m[3], m[4], endMonth, m[6], ref); ok {
			return r, true
		}
	}

	for _, m := range sharedMonthRangeRe.FindAllStringSubmatch(s, -1) {
		month, ok := LookupMonth(m[3])
		if !ok {
			continue
		}
		if r, ok := resolveShortRange(m[1], month, "", m[2], month, m[4], ref); ok {
			return r, true
		}
	}
	return DateRange{}, false
}

func resolveShortRange(startDay string, startMonth time.Month, startYear, endDay string, endMonth time.Month, endYear string, ref time.Time) (DateRange, bool) {
	defaultYear := ref.Year()
	if ref.IsZero() {
		defaultYear = time.Now().UTC().Year()
	}

	sy, ey := startYear, endYear
	switch {
	case sy == "" && ey == "":
		sy = strconv.Itoa(defaultYear)
		ey = sy
	case sy == "":
		sy = ey
	case ey == "":
		ey = sy
	}

	start, ok := buildDate(sy, strconv.Itoa(int(startMonth)), startDay)
	if !ok {
		return DateRange{}, false
	}
	end, ok := buildDate(ey, strconv.Itoa(int(endMonth)), endDay)
	if !ok {
		return DateRange{}, false
	}

	if end.Before(start) {
		switch {
		case startYear == "":
			start = start.AddDate(-1, 0, 0)
		case endYear == "":
			end = end.AddDate(1, 0, 0)
		default:
			return DateRange{}, false
		}
	}
	return DateRange{Start: start, End: end}, true
}

// buildDate 校验并构造 UTC 零点日期，两位年份视为 20xx。
func buildDate(year, month, day string) (time.Time, bool) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return time.Time{}, false
	}
	if len(year) == 2 {
		y += 2000
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// 拒绝 31/02 之类被 time.Date 自动进位的日期
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}
