package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestPayloadValidator(t *testing.T) {
	v := NewPayloadValidator()
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name    string
		payload *CanonicalEmailPayload
		valid   bool
	}{
		{"Minimal payload", &CanonicalEmailPayload{Source: SourceAirbnbConfirm}, true},
		{"Full payload", &CanonicalEmailPayload{
			Source:            SourceBookingConfirm,
			Channel:           ChannelBooking,
			ReservationID:     "4455667788",
			ClientEmail:       "jane@example.com",
			GuestName:         "Jane Doe",
			Stay:              &StayPeriod{Start: day(12), End: day(15)},
			ReservationStatus: ReservationStatusConfirmed,
			Totals:            &Totals{Amount: floatPtr(349.55), Currency: "EUR"},
			Services:          []string{"Colazione"},
			Metadata:          map[string]string{"subject": "Nuova prenotazione"},
		}, true},
		{"Missing source", &CanonicalEmailPayload{ReservationID: "X"}, false},
		{"Invalid client email", &CanonicalEmailPayload{Source: SourceAirbnbChat, ClientEmail: "not-an-email"}, false},
		{"Unknown status", &CanonicalEmailPayload{Source: SourceAirbnbConfirm, ReservationStatus: "maybe"}, false},
		{"Stay end before start", &CanonicalEmailPayload{Source: SourceAirbnbConfirm, Stay: &StayPeriod{Start: day(15), End: day(12)}}, false},
		{"Stay missing end", &CanonicalEmailPayload{Source: SourceAirbnbConfirm, Stay: &StayPeriod{Start: day(15)}}, false},
		{"Lowercase currency", &CanonicalEmailPayload{Source: SourceBookingConfirm, Totals: &Totals{Currency: "eur"}}, false},
		{"Negative commission", &CanonicalEmailPayload{Source: SourceBookingConfirm, Totals: &Totals{Commission: floatPtr(-1)}}, false},
		{"Empty service entry", &CanonicalEmailPayload{Source: SourceBookingConfirm, Services: []string{""}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.payload)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload))
		})
	}

	t.Run("nil payload", func(t *testing.T) {
		assert.ErrorIs(t, v.Validate(nil), ErrInvalidPayload)
	})
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"Plain address", "Host@Example.com", "host@example.com", nil},
		{"Display name", `"Casa Vacanze" <Info@CasaVacanze.it>`, "info@casavacanze.it", nil},
		{"Invalid", "not an address", "", ErrInvalidEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
