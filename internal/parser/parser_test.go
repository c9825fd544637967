package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostinbox/backend/internal/domain"
)

var fixedNow = time.Date(2025, 6, 20, 9, 30, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	return NewDefaultRegistry(WithClock(func() time.Time { return fixedNow }))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const bookingConfirmBody = `Numero di prenotazione: 4455667788
Nome ospite: Mario Rossi
Email: m.rossi@example.com
Struttura: Villa Rosa
Check-in: 12/03/2025
Check-out: 15/03/2025
Servizi prenotati:
N.1 Colazione
N.2 Parcheggio
N.3 Colazione
Note:
Arriveremo tardi
Prezzo totale: € 1.234,56
Commissione: € 185,18
Pagamento effettuato online`

func TestDefaultRegistryOrder(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, []string{
		domain.SourceBookingChat,
		domain.SourceBookingConfirm,
		domain.SourceAirbnbChat,
		domain.SourceAirbnbConfirm,
	}, r.IDs())
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewAirbnbConfirmParser()))

	err := r.Register(NewAirbnbConfirmParser())
	assert.Error(t, err)
	assert.Equal(t, []string{domain.SourceAirbnbConfirm}, r.IDs())
}

// stubParser 匹配所有邮件的测试解析器
type stubParser struct{ id string }

func (s stubParser) ID() string                    { return s.id }
func (s stubParser) Match(map[string]string) bool  { return true }
func (s stubParser) Extract(Input) domain.CanonicalEmailPayload {
	return domain.CanonicalEmailPayload{}
}

func TestRegistryFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubParser{id: "first"}))
	require.NoError(t, r.Register(stubParser{id: "second"}))

	res, ok := r.Parse(Input{Headers: map[string]string{"From": "anyone@example.com"}})
	require.True(t, ok)
	assert.Equal(t, "first", res.ParserID)
	assert.Equal(t, "first", res.Payload.Source, "空 Source 由注册表补全")
}

func TestScenarioAirbnbConfirmationCode(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{"from": "automated@airbnb.com"},
		Body:    "codice di conferma: ABC123",
	})
	require.True(t, ok)

	assert.Equal(t, domain.SourceAirbnbConfirm, res.ParserID)
	assert.Equal(t, domain.SourceAirbnbConfirm, res.Payload.Source)
	assert.Equal(t, "ABC123", res.Payload.ReservationID)
	assert.Equal(t, domain.ReservationStatusConfirmed, res.Payload.ReservationStatus)
	assert.Equal(t, domain.ChannelAirbnb, res.Payload.Channel)
}

func TestScenarioBookingChatRelay(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{
			"From":    `"Jane Doe via Booking.com" <123456-abc.def@mchat.booking.com>`,
			"To":      "host@villarosa.it",
			"Subject": "Abbiamo ricevuto questo messaggio da Jane Doe",
		},
		Body: "##- Digita la tua risposta sopra questa riga -##\n\n" +
			"Hai ricevuto un nuovo messaggio da Jane Doe\n\n" +
			"Ciao, arriviamo verso le 18. C'è parcheggio?\n\n" +
			"Rispondi\nhttps://admin.booking.com/hotel/hoteladmin/extranet_ng/manage/messaging",
	})
	require.True(t, ok)

	p := res.Payload
	assert.Equal(t, domain.SourceBookingChat, p.Source)
	assert.Equal(t, "123456", p.ReservationID)
	assert.Equal(t, "123456", p.ConversationID)
	assert.Equal(t, "Jane Doe", p.GuestName)
	assert.Equal(t, "123456-abc.def@mchat.booking.com", p.ClientEmail)
	assert.Equal(t, "host@villarosa.it", p.HostEmail)
	assert.Equal(t, "Ciao, arriviamo verso le 18. C'è parcheggio?", p.MessageText)
	assert.Equal(t, domain.ChannelBooking, p.Channel)
	assert.Equal(t, domain.DirectionInbound, p.Direction())
}

func TestScenarioUnknownSender(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{"from": "Newsletter <news@example.com>"},
		Body:    "codice di conferma: ABC123",
	})
	assert.False(t, ok)
	assert.Nil(t, res)
}

func TestBookingConfirmExtract(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{
			"from":    "Booking.com <noreply@booking.com>",
			"to":      "Villa Rosa <host@villarosa.it>",
			"subject": "Nuova prenotazione! (4455667788)",
		},
		Body: bookingConfirmBody,
	})
	require.True(t, ok)
	p := res.Payload

	assert.Equal(t, domain.SourceBookingConfirm, p.Source)
	assert.Equal(t, "4455667788", p.ReservationID)
	assert.Equal(t, "Mario Rossi", p.GuestName)
	assert.Equal(t, "m.rossi@example.com", p.ClientEmail)
	assert.Equal(t, "host@villarosa.it", p.HostEmail)
	require.NotNil(t, p.Stay)
	assert.Equal(t, day(2025, 3, 12), p.Stay.Start)
	assert.Equal(t, day(2025, 3, 15), p.Stay.End)
	assert.Equal(t, []string{"Colazione", "Parcheggio"}, p.Services)
	assert.Equal(t, "Arriveremo tardi", p.Notes)
	assert.Equal(t, domain.ReservationStatusConfirmed, p.ReservationStatus)
	assert.Equal(t, domain.PaymentStatusPaid, p.PaymentStatus)
	assert.Equal(t, "Villa Rosa", p.Metadata[domain.MetaPropertyName])

	require.NotNil(t, p.Totals)
	require.NotNil(t, p.Totals.Amount)
	assert.InDelta(t, 1234.56, *p.Totals.Amount, 0.001)
	require.NotNil(t, p.Totals.Commission)
	assert.InDelta(t, 185.18, *p.Totals.Commission, 0.001)
	assert.Equal(t, "EUR", p.Totals.Currency)
	assert.Nil(t, p.Totals.BaseRate)

	assert.NoError(t, domain.NewPayloadValidator().Validate(&p))
}

func TestBookingConfirmStatus(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name    string
		subject string
		body    string
		want    string
	}{
		{"cancelled subject", "Prenotazione cancellata (4455667788)", "Numero di prenotazione: 4455667788", domain.ReservationStatusCancelled},
		{"modified subject", "Prenotazione modificata", "Numero di prenotazione: 4455667788", domain.ReservationStatusModified},
		{"free cancellation policy is not a cancellation", "Nuova prenotazione", "Numero di prenotazione: 4455667788\nCancellazione gratuita fino al 10 marzo", domain.ReservationStatusConfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := r.Parse(Input{
				Headers: map[string]string{"from": "noreply@booking.com", "subject": tt.subject},
				Body:    tt.body,
			})
			require.True(t, ok)
			assert.Equal(t, tt.want, res.Payload.ReservationStatus)
		})
	}
}

func TestBookingConfirmReservationFromHTML(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{"from": "noreply@booking.com"},
		Body:    "Gentile partner, hai una nuova prenotazione.",
		HTML:    `<a href="https://admin.booking.com/hotel/hoteladmin/extranet_ng/manage/booking.html?hotel_id=998877&amp;res_id=1234567890">Vedi</a>`,
	})
	require.True(t, ok)
	assert.Equal(t, "1234567890", res.Payload.ReservationID)
	assert.Equal(t, "998877", res.Payload.Metadata["bookingHotelId"])
}

func TestBookingConfirmReservationFromTextLink(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{"from": "noreply@booking.com"},
		Body:    "Gentile partner, apri https://admin.booking.com/hotel/booking.html?hotel_id=42&res_id=12345678 per i dettagli.",
	})
	require.True(t, ok)
	assert.Equal(t, "12345678", res.Payload.ReservationID)
}

func TestAirbnbChatExtract(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{
			"from":    `"Marco Rossi" <4abc-xyz123@reply.airbnb.com>`,
			"to":      "host@villarosa.it",
			"subject": "RE: Prenotazione presso Villa Rosa per 12-15 mar 2025",
		},
		Body: "Nuovo messaggio da Marco Rossi\nOspite\nCiao! Possiamo fare il check-in alle 14?\n\n" +
			"Rispondi\nhttps://www.airbnb.it/messaging/thread/987654321",
	})
	require.True(t, ok)
	p := res.Payload

	assert.Equal(t, domain.SourceAirbnbChat, p.Source)
	assert.Equal(t, "987654321", p.ConversationID)
	assert.Empty(t, p.ReservationID)
	assert.Equal(t, "Marco Rossi", p.GuestName)
	assert.Equal(t, "4abc-xyz123@reply.airbnb.com", p.ClientEmail)
	assert.Equal(t, "Ciao! Possiamo fare il check-in alle 14?", p.MessageText)
	require.NotNil(t, p.Stay)
	assert.Equal(t, day(2025, 3, 12), p.Stay.Start)
	assert.Equal(t, day(2025, 3, 15), p.Stay.End)
}

func TestAirbnbChatConversationFromRelay(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{"from": "Anna <ZX81-Thread@reply.airbnb.com>"},
		Body:    "Grazie mille, a presto!",
	})
	require.True(t, ok)
	assert.Equal(t, "zx81-thread", res.Payload.ConversationID)
	assert.Equal(t, "Grazie mille, a presto!", res.Payload.MessageText)
}

func TestAirbnbConfirmExtract(t *testing.T) {
	r := newTestRegistry()

	res, ok := r.Parse(Input{
		Headers: map[string]string{
			"from":    "Airbnb <automated@airbnb.com>",
			"subject": "Prenotazione confermata - Anna Bianchi arriva il 3 lug",
		},
		Body: "Nuova prenotazione confermata! Anna arriva il 3 lug.\n" +
			"Codice di conferma: HMABCD1234\n" +
			"Check-in: gio 3 lug\n" +
			"Check-out: dom 6 lug\n" +
			"Guadagnerai: € 450,00",
	})
	require.True(t, ok)
	p := res.Payload

	assert.Equal(t, "HMABCD1234", p.ReservationID)
	assert.Equal(t, "Anna Bianchi", p.GuestName)
	assert.Equal(t, domain.ReservationStatusConfirmed, p.ReservationStatus)
	require.NotNil(t, p.Stay)
	assert.Equal(t, day(2025, 7, 3), p.Stay.Start)
	assert.Equal(t, day(2025, 7, 6), p.Stay.End)
	require.NotNil(t, p.Totals)
	assert.InDelta(t, 450.0, *p.Totals.Amount, 0.001)
	assert.Equal(t, "EUR", p.Totals.Currency)
	assert.Equal(t, domain.DirectionSystem, p.Direction())
}

func TestAirbnbConfirmStatus(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		subject string
		want    string
	}{
		{"Prenotazione cancellata: HMABCD1234", domain.ReservationStatusCancelled},
		{"Richiesta di prenotazione per Villa Rosa", domain.ReservationStatusPending},
		{"Reservation confirmed - Anna arrives Jul 3", domain.ReservationStatusConfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			res, ok := r.Parse(Input{
				Headers: map[string]string{"from": "noreply@airbnb.com", "subject": tt.subject},
				Body:    "Codice di conferma: HMABCD1234",
			})
			require.True(t, ok)
			assert.Equal(t, tt.want, res.Payload.ReservationStatus)
		})
	}
}

func TestParseIsDeterministic(t *testing.T) {
	r := newTestRegistry()
	in := Input{
		Headers: map[string]string{"From": "noreply@booking.com", "Subject": "Nuova prenotazione"},
		Body:    bookingConfirmBody,
		HTML:    "<p>Numero di prenotazione: 4455667788</p>",
	}

	first, ok := r.Parse(in)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		again, ok := r.Parse(in)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestMatchersDoNotOverlap(t *testing.T) {
	parsers := []Parser{NewBookingChatParser(), NewBookingConfirmParser(), NewAirbnbChatParser(), NewAirbnbConfirmParser()}
	senders := []string{
		"123-x@mchat.booking.com",
		"noreply@booking.com",
		"abc@reply.airbnb.com",
		"express@airbnb.com",
		"automated@airbnb.com",
		"noreply@airbnb.com",
	}
	for _, from := range senders {
		t.Run(from, func(t *testing.T) {
			matched := 0
			for _, p := range parsers {
				if p.Match(map[string]string{"from": from}) {
					matched++
				}
			}
			assert.Equal(t, 1, matched)
		})
	}
}

func TestSliceMessageFallbacks(t *testing.T) {
	bm := bodyMarkers{
		start:       compile(`(?i)nuovo messaggio`),
		stop:        compile(`(?i)^rispondi`),
		boilerplate: compile(`(?i)^ciao host`),
	}

	t.Run("start and stop markers", func(t *testing.T) {
		assert.Equal(t, "testo", sliceMessage("intro\nNuovo messaggio\ntesto\nRispondi\nfooter", bm))
	})

	t.Run("仅有结束标记", func(t *testing.T) {
		assert.Equal(t, "testo breve", sliceMessage("testo breve\nRispondi qui", bm))
	})

	t.Run("第一条非模板行", func(t *testing.T) {
		assert.Equal(t, "vero testo", sliceMessage("Ciao host,\nvero testo\naltro", bm))
	})

	t.Run("第一个非空段落", func(t *testing.T) {
		assert.Equal(t, "Ciao host,", sliceMessage("\n\nCiao host,\n", bm))
	})
}

func TestParseServices(t *testing.T) {
	got := parseServices("N.1 Colazione\n- N.2 Parcheggio\n\nN. 3 colazione\n• Late check-out")
	assert.Equal(t, []string{"Colazione", "Parcheggio", "Late check-out"}, got)
}

func TestSection(t *testing.T) {
	starts := markers("Richieste speciali", "Note:")
	ends := markers("Prezzo", "Totale")

	t.Run("大小写不敏感", func(t *testing.T) {
		got := section("RICHIESTE SPECIALI: arrivo tardi\nprezzo: 100", starts, ends)
		assert.Equal(t, "arrivo tardi", got)
	})
	t.Run("nearest end marker wins", func(t *testing.T) {
		got := section("Note: culla\nTotale 90\nPrezzo 100", starts, ends)
		assert.Equal(t, "culla", got)
	})
	t.Run("literal markers are not regexps", func(t *testing.T) {
		got := section("Note.x niente", markers("Note."), ends)
		assert.Empty(t, got)
	})
	t.Run("没有起始标记", func(t *testing.T) {
		assert.Empty(t, section("nessuna sezione", starts, ends))
	})
}

func TestAirbnbCodeCaseInsensitive(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"小写代码", "codice di conferma: abc123", "ABC123"},
		{"mixed case code", "Confirmation code: hMabCD1234", "HMABCD1234"},
		{"upper-case label", "CODICE DI CONFERMA: XYZ789", "XYZ789"},
		{"details link", "https://www.airbnb.it/hosting/reservations/details/hmq7k2x9pl", "HMQ7K2X9PL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := r.Parse(Input{
				Headers: map[string]string{"from": "automated@airbnb.com"},
				Body:    tt.body,
			})
			require.True(t, ok)
			assert.Equal(t, tt.want, res.Payload.ReservationID)
		})
	}
}
