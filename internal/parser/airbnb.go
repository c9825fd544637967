package parser

import (
	"regexp"
	"strings"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/textnorm"
)

var (
	airbnbCodePatterns = compile(
		`(?i)(?:codice di conferma|codice (?:della )?prenotazione|confirmation code|reservation code)\s*:?\s*\b([A-Z0-9]{5,12})\b`,
		`(?i)/reservations?/details/([A-Z0-9]{5,12})\b`,
		`(?i)/hosting/reservations/details/([A-Z0-9]{5,12})\b`,
		// 裸代码只认大写，避免误中普通单词
		`\b(HM[A-Z0-9]{8})\b`,
	)

	airbnbThreadPatterns = compile(
		`/messaging/thread/(\d+)`,
		`/hosting/thread/(\d+)`,
		`/hosting/inbox/folder/[a-z_]+/thread/(\d+)`,
		`[?&;](?:amp;)?thread_id=(\d+)`,
	)

	airbnbDisplayNoiseRe = regexp.MustCompile(`(?i)\s*(?:\((?:ospite|guest|host|airbnb)\)|via airbnb|tramite airbnb)\s*$`)

	airbnbGuestPatterns = []*regexp.Regexp{
		namePattern(`nome dell'ospite|nome dell’ospite|ospite|guest name|guest`),
	}
	airbnbSenderPatterns = compile(
		`(?i:nuovo messaggio da|messaggio da|new message from|message from)\s+(` + nameChars + `+)`,
		`(?i:prenotazione confermata|reservation confirmed|nuova prenotazione|new booking)\s*[-–:]\s*(` + nameChars + `+?)\s+(?i:arriva|arrives|arriverà)`,
		`(?i:richiesta di prenotazione da|booking request from|inquiry from)\s+(` + nameChars + `+)`,
	)

	airbnbListingPatterns = compile(
		`(?i:annuncio|listing|alloggio)\s*:\s*([^\n]{2,120})`,
	)

	airbnbPayoutRe = amountPattern(`guadagnerai|guadagni|you earn|you'll earn|compenso|payout|totale \(eur\)|totale|total`)
	airbnbFeeRe    = amountPattern(`costi del servizio per l'host|commissione del servizio|host service fee|service fee`)
	airbnbBaseRe   = amountPattern(`tariffa per notte|prezzo per notte|nightly rate|notti|nights`)
	airbnbCleanRe  = amountPattern(`costi di pulizia|spese di pulizia|cleaning fee`)

	airbnbCancelledRe     = regexp.MustCompile(`(?i)cancellat|cancellazione della prenotazione|cancelled|canceled`)
	airbnbBodyCancelledRe = regexp.MustCompile(`(?i)prenotazione (?:è stata )?cancellata|è stata cancellata|reservation (?:has been |was )?cancell?ed`)
	airbnbPendingRe       = regexp.MustCompile(`(?i)richiesta di prenotazione|in attesa di (?:conferma|risposta)|booking request|reservation request|pending|pre-?approv`)

	airbnbChatMarkers = bodyMarkers{
		start: compile(
			`(?i)(?:hai ricevuto un )?nuovo messaggio`,
			`(?i)new message`,
			`(?i)messaggio da`,
			`(?i)message from`,
			`(?i)rispondi(?: direttamente)? a questa e-?mail`,
			`(?i)reply to this e-?mail`,
			`(?i)^(?:ospite|guest)$`,
		),
		stop: compile(
			`(?i)^https?://`,
			`(?i)^rispondi$`,
			`(?i)^reply$`,
			`(?i)^invia un messaggio`,
			`(?i)^send a message`,
			`(?i)^vedi (?:la )?(?:prenotazione|conversazione|messaggio)`,
			`(?i)^view (?:booking|reservation|conversation|message)`,
			`(?i)^per proteggere`,
			`(?i)^to protect`,
			`(?i)^airbnb ireland`,
			`(?i)^airbnb, inc`,
			`(?i)^ti ricordiamo`,
			`^©`,
		),
		boilerplate: compile(
			`(?i)airbnb`,
			`(?i)^(?:ospite|guest|host|superhost)$`,
			`(?i)^(?:il tuo )?viaggio`,
			`(?i)^(?:check[\s-]?in|check[\s-]?out)`,
			`(?i)^\d{1,2}\s+[a-zà-ÿ]+\.?\s*[-–]`,
			`(?i)^(?:identità verificata|verified)`,
		),
	}
)

// AirbnbChatParser 解析 Airbnb 客人消息中转邮件
type AirbnbChatParser struct{}

// NewAirbnbChatParser 创建解析器
func NewAirbnbChatParser() *AirbnbChatParser { return &AirbnbChatParser{} }

// ID 解析器标识
func (p *AirbnbChatParser) ID() string { return domain.SourceAirbnbChat }

// Match 发件人为 reply.airbnb.com 中转地址或 express@airbnb.com
func (p *AirbnbChatParser) Match(headers map[string]string) bool {
	return containsAny(fromHeader(headers), "reply.airbnb.com", "express@airbnb.com")
}

// Extract 提取会话编号、预订代码、客人姓名与消息正文
func (p *AirbnbChatParser) Extract(in Input) domain.CanonicalEmailPayload {
	d := newDocument(in)
	fromName, fromAddr := parseFrom(in.Header("from"))

	payload := domain.CanonicalEmailPayload{
		Source:        p.ID(),
		Channel:       domain.ChannelAirbnb,
		ReservationID: strings.ToUpper(firstMatch(airbnbCodePatterns, d.idTexts()...)),
		HostEmail:     firstAddress(in.Header("to")),
		MessageHTML:   in.HTML,
		Stay:          extractStay(d),
		Metadata:      baseMetadata(d),
		RawBody:       in.Body,
		RawHTML:       in.HTML,
	}

	isRelay := strings.HasSuffix(fromAddr, "reply.airbnb.com")
	payload.ConversationID = firstMatch(airbnbThreadPatterns, d.idTexts()...)
	if payload.ConversationID == "" && isRelay {
		payload.ConversationID = textnorm.Slugify(localPart(fromAddr), "")
		if payload.ConversationID == textnorm.DefaultSlug {
			payload.ConversationID = ""
		}
	}
	if isRelay {
		payload.ClientEmail = fromAddr
		payload.Metadata["relayLocalPart"] = localPart(fromAddr)
	}

	name := cleanName(airbnbDisplayNoiseRe.ReplaceAllString(fromName, ""))
	if name == "" || strings.EqualFold(name, "Airbnb") {
		name = firstName(airbnbSenderPatterns, d.subject, d.text, d.htmlText)
	}
	if name == "" {
		name = firstName(airbnbGuestPatterns, d.labelTexts()...)
	}
	payload.GuestName = name

	payload.MessageText = sliceMessage(d.text, airbnbChatMarkers)
	if name := firstMatch(airbnbListingPatterns, d.labelTexts()...); name != "" {
		payload.Metadata[domain.MetaPropertyName] = textnorm.CollapseWhitespace(name)
	}
	return payload
}

// AirbnbConfirmParser 解析 Airbnb 预订确认、请求与取消通知
type AirbnbConfirmParser struct{}

// NewAirbnbConfirmParser 创建解析器
func NewAirbnbConfirmParser() *AirbnbConfirmParser { return &AirbnbConfirmParser{} }

// ID 解析器标识
func (p *AirbnbConfirmParser) ID() string { return domain.SourceAirbnbConfirm }

// Match 发件人为 automated@airbnb.com 或 noreply@airbnb.com
func (p *AirbnbConfirmParser) Match(headers map[string]string) bool {
	return containsAny(fromHeader(headers), "automated@airbnb.com", "noreply@airbnb.com")
}

// Extract 提取预订代码、客人、入住区间、收入与状态
func (p *AirbnbConfirmParser) Extract(in Input) domain.CanonicalEmailPayload {
	d := newDocument(in)

	payload := domain.CanonicalEmailPayload{
		Source:        p.ID(),
		Channel:       domain.ChannelAirbnb,
		ReservationID: strings.ToUpper(firstMatch(airbnbCodePatterns, d.idTexts()...)),
		HostEmail:     firstAddress(in.Header("to")),
		Stay:          extractStay(d),
		MessageHTML:   in.HTML,
		Metadata:      baseMetadata(d),
		RawBody:       in.Body,
		RawHTML:       in.HTML,
	}
	payload.ConversationID = firstMatch(airbnbThreadPatterns, d.idTexts()...)

	payload.GuestName = firstName(airbnbSenderPatterns, d.subject, d.text, d.htmlText)
	if payload.GuestName == "" {
		payload.GuestName = firstName(airbnbGuestPatterns, d.labelTexts()...)
	}

	all := d.allText()
	switch {
	case airbnbCancelledRe.MatchString(d.subject):
		payload.ReservationStatus = domain.ReservationStatusCancelled
	case airbnbPendingRe.MatchString(d.subject):
		payload.ReservationStatus = domain.ReservationStatusPending
	case airbnbBodyCancelledRe.MatchString(all):
		payload.ReservationStatus = domain.ReservationStatusCancelled
	default:
		payload.ReservationStatus = domain.ReservationStatusConfirmed
	}

	payload.Totals = airbnbTotals(d)
	if name := firstMatch(airbnbListingPatterns, d.labelTexts()...); name != "" {
		payload.Metadata[domain.MetaPropertyName] = textnorm.CollapseWhitespace(name)
	}
	return payload
}

func airbnbTotals(d *document) *domain.Totals {
	texts := d.labelTexts()
	totals := &domain.Totals{}

	var currency string
	totals.Amount, currency = findAmount(airbnbPayoutRe, texts...)
	fee, c2 := findAmount(airbnbFeeRe, texts...)
	base, c3 := findAmount(airbnbBaseRe, texts...)
	cleaning, c4 := findAmount(airbnbCleanRe, texts...)
	totals.Commission = fee
	totals.BaseRate = base
	totals.Extras = cleaning

	for _, c := range []string{currency, c2, c3, c4} {
		if c != "" {
			totals.Currency = c
			break
		}
	}
	if totals.IsZero() {
		return nil
	}
	return totals
}
