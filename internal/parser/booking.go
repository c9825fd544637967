package parser

import (
	"regexp"
	"strings"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/textnorm"
)

var (
	bookingRelayIDRe = regexp.MustCompile(`^(\d{4,})`)
	bookingViaRe     = regexp.MustCompile(`(?i)\s+(?:via|tramite)\s+booking\.com\s*$`)

	bookingReservationPatterns = compile(
		`(?i:numero (?:di |della )?prenotazione|n\. prenotazione|booking number|reservation number|confirmation number|numero di conferma)\s*:?\s*(\d{6,12})\b`,
		`(?i:prenotazione|booking|reservation)\s*(?:n\.|no\.|#|id)\s*:?\s*(\d{6,12})\b`,
		`[?&;](?:amp;)?res_id=(\d{6,12})\b`,
		`(?i)/booking/(\d{6,12})\b`,
	)

	bookingGuestPatterns = []*regexp.Regexp{
		namePattern(`nome (?:dell'|del |dell’)?ospite|nome ospite|ospite principale|ospite|guest name|guest|prenotato da|booker`),
	}

	bookingClientEmailPatterns = compile(
		`(?i:e-?mail(?: dell'ospite| ospite)?|guest e-?mail)\s*:\s*<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`,
	)

	bookingPropertyPatterns = compile(
		`(?i:nome della struttura|struttura|property name|property)\s*:\s*([^\n]{2,120})`,
	)
	bookingHotelIDPatterns = compile(
		`[?&;](?:amp;)?hotel_id=(\d{3,12})\b`,
		`(?i:id struttura|property id)\s*:?\s*(\d{3,12})\b`,
	)

	bookingTotalRe      = amountPattern(`importo totale|prezzo totale|totale prenotazione|total price|total amount|totale|total`)
	bookingCommissionRe = amountPattern(`commissione|commission`)
	bookingBaseRateRe   = amountPattern(`tariffa base|prezzo base|prezzo della camera|base rate|room price`)
	bookingExtrasRe     = amountPattern(`supplementi|extra|extras`)

	bookingPaidRe    = regexp.MustCompile(`(?i)pagamento effettuato|già pagat|gia pagat|pagato online|paid online|already paid|prepaid|prepagat`)
	bookingPendingRe = regexp.MustCompile(`(?i)da pagare|pagamento (?:presso|alla) struttura|pay at the property|not yet paid|non (?:ancora )?pagat`)

	// 主题按关键字判断，正文只匹配明确的状态短语（正文常含 "cancellazione gratuita" 政策说明）
	bookingSubjectCancelledRe = regexp.MustCompile(`(?i)cancellat|cancellazione|cancelled|canceled|cancellation`)
	bookingSubjectModifiedRe  = regexp.MustCompile(`(?i)modificat|modifica|modified|changed`)
	bookingBodyCancelledRe    = regexp.MustCompile(`(?i)prenotazione (?:è stata )?cancellata|è stata cancellata|booking (?:has been |was )?cancell?ed|reservation (?:has been |was )?cancell?ed`)
	bookingBodyModifiedRe     = regexp.MustCompile(`(?i)prenotazione (?:è stata )?modificata|è stata modificata|booking (?:has been |was )?modified|reservation (?:has been |was )?modified`)

	bookingChatMarkers = bodyMarkers{
		start: compile(
			`(?i)^##-.*(?:sopra questa riga|above this line).*-##$`,
			`(?i)(?:hai ricevuto un )?nuovo messaggio`,
			`(?i)new message`,
			`(?i)messaggio da`,
			`(?i)message from`,
			`(?i)ha scritto:?$`,
		),
		stop: compile(
			`(?i)^https?://`,
			`(?i)^rispondi`,
			`(?i)^reply`,
			`(?i)^gestisci`,
			`(?i)^manage`,
			`(?i)^visualizza`,
			`(?i)^view (?:booking|reservation|message)`,
			`(?i)^##-`,
			`(?i)^questa e-?mail`,
			`(?i)^this e-?mail`,
			`(?i)booking\.com b\.v\.`,
			`^©`,
		),
		boilerplate: compile(
			`(?i)booking\.com`,
			`(?i)^numero (?:di )?prenotazione`,
			`(?i)^(?:booking|reservation) number`,
			`(?i)^check[\s-]?(?:in|out)`,
			`(?i)^(?:ciao|gentile|dear|hello|hi)\b[^.!?]*,?$`,
			`(?i)^##-`,
		),
	}

	bookingServicesStart = markers("Servizi prenotati", "Services booked", "Servizi aggiuntivi")
	bookingServicesEnd   = markers("Note", "Notes", "Richieste speciali", "Special requests", "Prezzo", "Totale", "Total", "Informazioni sul pagamento", "Payment")
	bookingNotesStart    = markers("Richieste speciali", "Special requests", "Note:", "Notes:")
	bookingNotesEnd      = markers("Servizi prenotati", "Services booked", "Prezzo", "Totale", "Total", "Commissione", "Commission", "Cordiali saluti", "Booking.com B.V.", "Grazie")
)

// BookingChatParser 解析 Booking.com 客人聊天中转邮件
type BookingChatParser struct{}

// NewBookingChatParser 创建解析器
func NewBookingChatParser() *BookingChatParser { return &BookingChatParser{} }

// ID 解析器标识
func (p *BookingChatParser) ID() string { return domain.SourceBookingChat }

// Match 发件人为 mchat.booking.com 中转地址
func (p *BookingChatParser) Match(headers map[string]string) bool {
	return strings.Contains(fromHeader(headers), "mchat.booking.com")
}

// Extract 提取会话编号、客人姓名与消息正文
func (p *BookingChatParser) Extract(in Input) domain.CanonicalEmailPayload {
	d := newDocument(in)
	fromName, fromAddr := parseFrom(in.Header("from"))

	payload := domain.CanonicalEmailPayload{
		Source:    p.ID(),
		Channel:   domain.ChannelBooking,
		HostEmail: firstAddress(in.Header("to")),
		Metadata:  baseMetadata(d),
		RawBody:   in.Body,
		RawHTML:   in.HTML,
	}

	relay := localPart(fromAddr)
	if m := bookingRelayIDRe.FindStringSubmatch(relay); m != nil {
		payload.ReservationID = m[1]
		payload.ConversationID = m[1]
	} else if id := firstMatch(bookingReservationPatterns, d.idTexts()...); id != "" {
		payload.ReservationID = id
		payload.ConversationID = id
	}
	if relay != "" {
		payload.Metadata["relayLocalPart"] = relay
	}

	if fromAddr != "" {
		payload.ClientEmail = fromAddr
	}
	if name := cleanName(bookingViaRe.ReplaceAllString(fromName, "")); name != "" && !strings.EqualFold(name, "Booking.com") {
		payload.GuestName = name
	} else {
		payload.GuestName = firstName(bookingGuestPatterns, d.labelTexts()...)
	}

	payload.MessageText = sliceMessage(d.text, bookingChatMarkers)
	payload.MessageHTML = in.HTML
	payload.Stay = extractStay(d)
	if name := firstMatch(bookingPropertyPatterns, d.labelTexts()...); name != "" {
		payload.Metadata[domain.MetaPropertyName] = textnorm.CollapseWhitespace(name)
	}
	return payload
}

// BookingConfirmParser 解析 Booking.com 预订确认、修改与取消通知
type BookingConfirmParser struct{}

// NewBookingConfirmParser 创建解析器
func NewBookingConfirmParser() *BookingConfirmParser { return &BookingConfirmParser{} }

// ID 解析器标识
func (p *BookingConfirmParser) ID() string { return domain.SourceBookingConfirm }

// Match 发件人为 @booking.com（不包含 mchat 中转子域）
func (p *BookingConfirmParser) Match(headers map[string]string) bool {
	return strings.Contains(fromHeader(headers), "@booking.com")
}

// Extract 提取预订编号、客人、入住区间、金额、服务与备注
func (p *BookingConfirmParser) Extract(in Input) domain.CanonicalEmailPayload {
	d := newDocument(in)

	payload := domain.CanonicalEmailPayload{
		Source:        p.ID(),
		Channel:       domain.ChannelBooking,
		ReservationID: firstMatch(bookingReservationPatterns, d.idTexts()...),
		HostEmail:     firstAddress(in.Header("to")),
		GuestName:     firstName(bookingGuestPatterns, d.labelTexts()...),
		Stay:          extractStay(d),
		MessageHTML:   in.HTML,
		Metadata:      baseMetadata(d),
		RawBody:       in.Body,
		RawHTML:       in.HTML,
	}
	payload.ClientEmail = strings.ToLower(firstMatch(bookingClientEmailPatterns, d.labelTexts()...))

	all := d.allText()
	switch {
	case bookingSubjectCancelledRe.MatchString(d.subject), bookingBodyCancelledRe.MatchString(all):
		payload.ReservationStatus = domain.ReservationStatusCancelled
	case bookingSubjectModifiedRe.MatchString(d.subject), bookingBodyModifiedRe.MatchString(all):
		payload.ReservationStatus = domain.ReservationStatusModified
	default:
		payload.ReservationStatus = domain.ReservationStatusConfirmed
	}
	switch {
	case bookingPendingRe.MatchString(all):
		payload.PaymentStatus = domain.PaymentStatusPending
	case bookingPaidRe.MatchString(all):
		payload.PaymentStatus = domain.PaymentStatusPaid
	}

	payload.Totals = bookingTotals(d)

	text := d.text
	if text == "" {
		text = d.htmlText
	}
	payload.Services = parseServices(section(text, bookingServicesStart, bookingServicesEnd))
	payload.Notes = section(text, bookingNotesStart, bookingNotesEnd)
	payload.MessageText = payload.Notes

	if name := firstMatch(bookingPropertyPatterns, d.labelTexts()...); name != "" {
		payload.Metadata[domain.MetaPropertyName] = textnorm.CollapseWhitespace(name)
	}
	if id := firstMatch(bookingHotelIDPatterns, d.idTexts()...); id != "" {
		payload.Metadata["bookingHotelId"] = id
	}
	return payload
}

func bookingTotals(d *document) *domain.Totals {
	texts := d.labelTexts()
	totals := &domain.Totals{}

	var currency string
	totals.Amount, currency = findAmount(bookingTotalRe, texts...)
	commission, c2 := findAmount(bookingCommissionRe, texts...)
	baseRate, c3 := findAmount(bookingBaseRateRe, texts...)
	extras, c4 := findAmount(bookingExtrasRe, texts...)
	totals.Commission = commission
	totals.BaseRate = baseRate
	totals.Extras = extras

	for _, c := range []string{currency, c2, c3, c4} {
		if c != "" {
			totals.Currency = c
			break
		}
	}
	if totals.Currency == "" && totals.Amount != nil && euroSignRe.MatchString(d.text+d.htmlText) {
		totals.Currency = "EUR"
	}
	if totals.IsZero() {
		return nil
	}
	return totals
}
