package parser

import (
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/textnorm"
)

// nameChars 姓名允许的字符：字母（含重音）、撇号、连字符、空格
const nameChars = `[A-Za-zÀ-ÖØ-öø-ÿ'’\- ]`

// 姓名后常被误吞的标签词
var nameStopRe = regexp.MustCompile(`(?i)\s+(?:check[\s-]?in|check[\s-]?out|arrivo|partenza|telefono|phone|e-?mail|email|numero|number|ospiti|guests|via|per|for|about|riguardo)\b.*$`)

var (
	checkInRe  = regexp.MustCompile(`(?i)(?:check[\s-]?in|arrivo|arrival)[^:\n]{0,20}:\s*([^\n]+)`)
	checkOutRe = regexp.MustCompile(`(?i)(?:check[\s-]?out|partenza|departure)[^:\n]{0,20}:\s*([^\n]+)`)
	servicePfx = regexp.MustCompile(`(?i)^n\.\s*\d+\s*[-:.)]?\s*`)
	bulletPfx  = regexp.MustCompile(`^\s*(?:[-*•·]|\d+[.)])\s*`)
	euroSignRe = regexp.MustCompile(`€|(?i:\bEUR\b)`)
	dollarRe   = regexp.MustCompile(`\$|(?i:\bUSD\b)`)
	poundRe    = regexp.MustCompile(`£|(?i:\bGBP\b)`)
)

// document 一封邮件的多种文本表示
type document struct {
	headers    map[string]string
	subject    string
	text       string // 解码后的正文；没有纯文本时为 HTML 转换结果
	htmlText   string // HTML 转换出的文本
	rawHTML    string
	rawBody    string
	receivedAt time.Time
}

func newDocument(in Input) *document {
	d := &document{
		headers:    in.Headers,
		subject:    textnorm.CollapseWhitespace(in.Header("subject")),
		rawHTML:    in.HTML,
		rawBody:    in.Body,
		receivedAt: in.ReceivedAt,
	}
	if in.HTML != "" {
		html := in.HTML
		if textnorm.LooksQuotedPrintable(html) {
			html = textnorm.DecodeQuotedPrintable(html)
		}
		d.htmlText = textnorm.NormalizeLines(textnorm.StripHTML(html))
	}
	if strings.TrimSpace(in.Body) != "" {
		d.text = textnorm.NormalizeLines(textnorm.DecodeBody(in.Body))
	} else {
		d.text = d.htmlText
	}
	return d
}

// labelTexts 标签字段的查找顺序：解码正文、HTML 文本、主题
func (d *document) labelTexts() []string {
	return nonEmpty(d.text, d.htmlText, d.subject)
}

// idTexts 预订编号的查找顺序：解码正文、原始 HTML、原始正文、主题
func (d *document) idTexts() []string {
	return nonEmpty(d.text, d.rawHTML, d.rawBody, d.subject)
}

// allText 用于状态关键字判断
func (d *document) allText() string {
	return d.subject + "\n" + d.text + "\n" + d.htmlText
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// firstMatch 按文本顺序、再按模式顺序查找，返回第一个非空捕获组
func firstMatch(patterns []*regexp.Regexp, texts ...string) string {
	for _, text := range texts {
		for _, re := range patterns {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			for _, g := range m[1:] {
				if v := strings.TrimSpace(g); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// cleanName 去除姓名捕获中的噪声，结果不合法时返回空串
func cleanName(s string) string {
	s = textnorm.CollapseWhitespace(s)
	s = nameStopRe.ReplaceAllString(s, "")
	s = strings.Trim(s, " -'’")
	if len([]rune(s)) < 2 {
		return ""
	}
	return s
}

// namePattern 构造 "标签: 姓名" 的正则
func namePattern(labels string) *regexp.Regexp {
	return regexp.MustCompile(`(?i:` + labels + `)\s*:\s*(` + nameChars + `+)`)
}

// firstName 按顺序查找姓名
func firstName(patterns []*regexp.Regexp, texts ...string) string {
	for _, text := range texts {
		for _, re := range patterns {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				if name := cleanName(m[1]); name != "" {
					return name
				}
			}
		}
	}
	return ""
}

// extractStay 先尝试通用区间解析，再回退到 check-in / check-out 标签行
func extractStay(d *document) *domain.StayPeriod {
	for _, text := range d.labelTexts() {
		if r, ok := textnorm.ParseDateRange(text, d.receivedAt); ok {
			return &domain.StayPeriod{Start: r.Start, End: r.End}
		}
	}
	for _, text := range d.labelTexts() {
		in := checkInRe.FindStringSubmatch(text)
		out := checkOutRe.FindStringSubmatch(text)
		if in == nil || out == nil {
			continue
		}
		start, ok1 := parseLabeledDate(in[1], d.receivedAt)
		end, ok2 := parseLabeledDate(out[1], d.receivedAt)
		if ok1 && ok2 && !end.Before(start) {
			return &domain.StayPeriod{Start: start, End: end}
		}
	}
	return nil
}

// parseLabeledDate 解析标签行中的日期，允许省略年份
func parseLabeledDate(s string, ref time.Time) (time.Time, bool) {
	if t, ok := textnorm.ParseItalianDate(s); ok {
		return t, true
	}
	m := dayMonthRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	month, ok := textnorm.LookupMonth(m[2])
	if !ok {
		return time.Time{}, false
	}
	year := ref.Year()
	if ref.IsZero() {
		year = time.Now().UTC().Year()
	}
	day, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

var dayMonthRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s+([A-Za-zÀ-ÿ]+)\.?`)

// bodyMarkers 聊天正文的起止标记
type bodyMarkers struct {
	start       []*regexp.Regexp
	stop        []*regexp.Regexp
	boilerplate []*regexp.Regexp
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// sliceMessage 提取聊天正文，按四级回退：
// 起始标记到结束标记之间；结束标记之前；第一条非模板行；第一个非空段落。
func sliceMessage(text string, m bodyMarkers) string {
	lines := strings.Split(text, "\n")

	startIdx := -1
	for i, line := range lines {
		if matchesAny(m.start, line) {
			startIdx = i
			break
		}
	}
	if startIdx >= 0 {
		// 跳过紧随其后的空行和其他起始标记行
		from := startIdx + 1
		for from < len(lines) && (strings.TrimSpace(lines[from]) == "" || matchesAny(m.start, lines[from])) {
			from++
		}
		if msg := collectUntilStop(lines[from:], m.stop); msg != "" {
			return msg
		}
	}

	for i, line := range lines {
		if matchesAny(m.stop, line) {
			if msg := collectUntilStop(lines[:i], nil); msg != "" && !matchesAny(m.boilerplate, msg) {
				return msg
			}
			break
		}
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || matchesAny(m.boilerplate, line) || matchesAny(m.stop, line) {
			continue
		}
		return line
	}

	for _, para := range strings.Split(text, "\n\n") {
		if p := strings.TrimSpace(para); p != "" {
			return p
		}
	}
	return ""
}

func collectUntilStop(lines []string, stop []*regexp.Regexp) string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if matchesAny(stop, line) {
			break
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// section 返回 start 标记之后、第一个 end 标记之前的文本
func section(text string, starts, ends []*regexp.Regexp) string {
	for _, s := range starts {
		loc := s.FindStringIndex(text)
		if loc == nil {
			continue
		}
		rest := text[loc[1]:]
		cut := len(rest)
		for _, e := range ends {
			if l := e.FindStringIndex(rest); l != nil && l[0] < cut {
				cut = l[0]
			}
		}
		return strings.TrimSpace(strings.TrimLeft(rest[:cut], ": \t"))
	}
	return ""
}

// markers 把字面量标记编译为大小写不敏感的模式，只在包初始化时调用
func markers(literals ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(literals))
	for _, l := range literals {
		out = append(out, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(l)))
	}
	return out
}

// parseServices 按行拆分服务列表，去掉 "N.<数字>" 前缀并去重
func parseServices(block string) []string {
	if block == "" {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(block, "\n") {
		line = bulletPfx.ReplaceAllString(line, "")
		line = servicePfx.ReplaceAllString(line, "")
		line = textnorm.CollapseWhitespace(line)
		if line == "" {
			continue
		}
		key := strings.ToLower(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, line)
	}
	return out
}

// amountPattern 构造 "标签 [货币] 金额 [货币]" 的正则，金额在第 2 个捕获组
func amountPattern(labels string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:` + labels + `)[^\n\d€$£]{0,40}(€|EUR|USD|GBP|\$|£)?\s*(\d[\d.,]*)\s*(€|EUR|USD|GBP|\$|£)?`)
}

// findAmount 返回第一个可解析的金额以及匹配到的货币
func findAmount(re *regexp.Regexp, texts ...string) (*float64, string) {
	for _, text := range texts {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			v := textnorm.ParseEuroAmountPtr(m[2])
			if v == nil {
				continue
			}
			return v, detectCurrency(m[1] + " " + m[3])
		}
	}
	return nil, ""
}

func detectCurrency(s string) string {
	switch {
	case euroSignRe.MatchString(s):
		return "EUR"
	case dollarRe.MatchString(s):
		return "USD"
	case poundRe.MatchString(s):
		return "GBP"
	default:
		return ""
	}
}

// parseFrom 解析 From 头部，失败时尽量用正则取出地址
func parseFrom(from string) (name, address string) {
	if from == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.TrimSpace(addr.Name), strings.ToLower(addr.Address)
	}
	if m := looseAddrRe.FindStringSubmatch(from); m != nil {
		name = strings.Trim(strings.TrimSpace(from[:strings.Index(from, m[0])]), `"<> `)
		return name, strings.ToLower(m[1])
	}
	return "", ""
}

var looseAddrRe = regexp.MustCompile(`<?([^\s<>"]+@[^\s<>"]+)>?`)

// firstAddress 取地址列表头部中的第一个地址
func firstAddress(header string) string {
	if header == "" {
		return ""
	}
	if list, err := mail.ParseAddressList(header); err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address)
	}
	_, addr := parseFrom(header)
	return addr
}

func localPart(address string) string {
	if i := strings.LastIndex(address, "@"); i > 0 {
		return address[:i]
	}
	return ""
}

// baseMetadata 所有解析器共有的元数据
func baseMetadata(d *document) map[string]string {
	meta := map[string]string{}
	if d.subject != "" {
		meta["subject"] = d.subject
	}
	return meta
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func fromHeader(headers map[string]string) string {
	return strings.ToLower(headers["from"])
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}
