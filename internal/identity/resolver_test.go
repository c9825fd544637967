package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"hostinbox/backend/internal/domain"
)

var receivedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDeriveReusesExistingReservation(t *testing.T) {
	r := NewResolver()
	existing := &domain.Reservation{
		ID:             "ABC123",
		HostID:         "host-mario",
		PropertyID:     "property-villa",
		ClientID:       "client-jane",
		ConversationID: "thread-1",
	}

	payloads := map[string]*domain.CanonicalEmailPayload{
		"same reservation": {Source: domain.SourceAirbnbConfirm, ReservationID: "ABC123"},
		"conflicting ids": {
			Source:         domain.SourceAirbnbChat,
			ReservationID:  "OTHER99",
			ConversationID: "thread-1",
			ClientEmail:    "other@example.com",
			Metadata:       map[string]string{domain.MetaHostID: "host-x", domain.MetaPropertyID: "property-x"},
		},
		"empty payload": {Source: domain.SourceBookingChat},
	}
	account := &domain.EmailAccount{
		Address:  "host@villarosa.it",
		HostID:   "host-account",
		Metadata: map[string]string{domain.MetaPropertyID: "property-account"},
	}

	for name, p := range payloads {
		t.Run(name, func(t *testing.T) {
			ids := r.Derive(p, RawInput{MessageID: "m-1", ReceivedAt: receivedAt}, existing, account)
			assert.Equal(t, "ABC123", ids.ReservationID)
			assert.Equal(t, "host-mario", ids.HostID)
			assert.Equal(t, "property-villa", ids.PropertyID)
			assert.Equal(t, "client-jane", ids.ClientID)
			assert.Equal(t, "thread-1", ids.ConversationID)
		})
	}
}

func TestDerivePayloadBeforeAccount(t *testing.T) {
	r := NewResolver()
	p := &domain.CanonicalEmailPayload{
		Source:         domain.SourceBookingChat,
		ReservationID:  "123456",
		ConversationID: "123456",
		ClientEmail:    "123456-Abc.Def@mchat.booking.com",
		GuestName:      "Jane Doe",
		HostEmail:      "frontdesk@villarosa.it",
		Metadata:       map[string]string{domain.MetaPropertyName: "Villa Rosa"},
	}
	account := &domain.EmailAccount{
		Address: "host@villarosa.it",
		Metadata: map[string]string{
			domain.MetaHostID:       "host-77",
			domain.MetaPropertyName: "Casa Account",
		},
	}

	ids := r.Derive(p, RawInput{MessageID: "m-1", ReceivedAt: receivedAt}, nil, account)

	assert.Equal(t, "123456", ids.ReservationID)
	assert.Equal(t, "123456", ids.ConversationID)
	assert.Equal(t, "host-77", ids.HostID)
	assert.Equal(t, "frontdesk@villarosa.it", ids.HostEmail)
	assert.Equal(t, "Villa Rosa", ids.PropertyName)
	assert.Equal(t, "property-villa-rosa", ids.PropertyID)
	assert.Equal(t, "123456-abc.def@mchat.booking.com", ids.ClientEmail)
	assert.Equal(t, "client-123456-abc-def-mchat-booking-com", ids.ClientID)
	assert.Equal(t, "Jane Doe", ids.ClientDisplayName)
}

func TestDeriveAccountMetadata(t *testing.T) {
	r := NewResolver()
	account := &domain.EmailAccount{
		Address: "host@villarosa.it",
		Metadata: map[string]string{
			domain.MetaHostID:       "host-77",
			domain.MetaHostEmail:    "owner@villarosa.it",
			domain.MetaPropertyID:   "property-42",
			domain.MetaPropertyName: "Villa Rosa",
		},
	}

	ids := r.Derive(&domain.CanonicalEmailPayload{Source: domain.SourceAirbnbConfirm, ReservationID: "HMABCD1234"}, RawInput{MessageID: "m-1", ReceivedAt: receivedAt}, nil, account)

	assert.Equal(t, "host-77", ids.HostID)
	assert.Equal(t, "owner@villarosa.it", ids.HostEmail)
	assert.Equal(t, "property-42", ids.PropertyID)
	assert.Equal(t, "Villa Rosa", ids.PropertyName)
	assert.Equal(t, "HMABCD1234", ids.ConversationID, "没有会话ID时使用预订编号")
}

func TestDeriveFallbackChain(t *testing.T) {
	r := NewResolver()
	raw := RawInput{MessageID: "18c2f0a9b7e4d3c1", ReceivedAt: receivedAt}

	t.Run("没有任何显式标识", func(t *testing.T) {
		ids := r.Derive(&domain.CanonicalEmailPayload{Source: domain.SourceAirbnbConfirm}, raw, nil, nil)

		assert.Equal(t, "email-18c2f0a9b7e4d3c1", ids.ReservationID)
		assert.Equal(t, "conv-18c2f0a9b7e4d3c1", ids.ConversationID)
		assert.Equal(t, "client-18c2f0a9b7e4d3c1", ids.ClientID)
		assert.Equal(t, "host-msg-1740830400", ids.HostID)
		assert.Equal(t, "property-msg-1740830400", ids.PropertyID)
	})

	t.Run("guest name seeds fallback", func(t *testing.T) {
		ids := r.Derive(&domain.CanonicalEmailPayload{Source: domain.SourceAirbnbChat, GuestName: "José Müller"}, raw, nil, &domain.EmailAccount{Address: "host@villarosa.it"})

		assert.Equal(t, "conv-jose-muller", ids.ConversationID)
		assert.Equal(t, "client-jose-muller", ids.ClientID)
		assert.Equal(t, "host-host", ids.HostID)
		assert.Equal(t, "property-host", ids.PropertyID)
		assert.Equal(t, "host@villarosa.it", ids.HostEmail)
	})

	t.Run("all empty including message id", func(t *testing.T) {
		ids := r.Derive(&domain.CanonicalEmailPayload{Source: domain.SourceAirbnbConfirm}, RawInput{ReceivedAt: receivedAt}, nil, nil)

		assert.Equal(t, "email-msg-1740830400", ids.ReservationID)
		assert.Equal(t, "conv-msg-1740830400", ids.ConversationID)
		assert.NotEmpty(t, ids.ClientID)
	})

	t.Run("重试时结果稳定", func(t *testing.T) {
		p := &domain.CanonicalEmailPayload{Source: domain.SourceAirbnbChat, GuestName: "Anna"}
		assert.Equal(t, r.Derive(p, raw, nil, nil), r.Derive(p, raw, nil, nil))
	})
}

func TestDeriveClientIDStableForEmail(t *testing.T) {
	r := NewResolver()
	raw1 := RawInput{MessageID: "m-1", ReceivedAt: receivedAt}
	raw2 := RawInput{MessageID: "m-2", ReceivedAt: receivedAt.Add(time.Hour)}

	a := r.Derive(&domain.CanonicalEmailPayload{Source: domain.SourceBookingConfirm, ClientEmail: "jane@example.com", GuestName: "Jane"}, raw1, nil, nil)
	b := r.Derive(&domain.CanonicalEmailPayload{Source: domain.SourceBookingConfirm, ClientEmail: "JANE@example.com", GuestName: "Jane Doe"}, raw2, nil, nil)

	assert.Equal(t, a.ClientID, b.ClientID)
}
