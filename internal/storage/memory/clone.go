package memory

import "hostinbox/backend/internal/domain"

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneReservation(r *domain.Reservation) *domain.Reservation {
	cp := *r
	cp.Metadata = cloneMap(r.Metadata)
	cp.Services = cloneSlice(r.Services)
	if r.Totals != nil {
		t := *r.Totals
		cp.Totals = &t
	}
	if r.StayStart != nil {
		t := *r.StayStart
		cp.StayStart = &t
	}
	if r.StayEnd != nil {
		t := *r.StayEnd
		cp.StayEnd = &t
	}
	return &cp
}

func cloneClient(c *domain.Client) *domain.Client {
	cp := *c
	cp.ChannelEmails = cloneMap(c.ChannelEmails)
	if c.AutoReply != nil {
		v := *c.AutoReply
		cp.AutoReply = &v
	}
	return &cp
}

func cloneProperty(p *domain.Property) *domain.Property {
	cp := *p
	cp.Channels = cloneSlice(p.Channels)
	cp.Metadata = cloneMap(p.Metadata)
	return &cp
}

func cloneMessage(m *domain.ConversationMessage) *domain.ConversationMessage {
	cp := *m
	cp.Headers = cloneMap(m.Headers)
	return &cp
}

func cloneAccount(a *domain.EmailAccount) *domain.EmailAccount {
	cp := *a
	cp.Metadata = cloneMap(a.Metadata)
	if a.LastTriggeredAt != nil {
		t := *a.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	if a.LastSyncedAt != nil {
		t := *a.LastSyncedAt
		cp.LastSyncedAt = &t
	}
	return &cp
}
