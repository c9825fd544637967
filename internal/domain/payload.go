package domain

import "time"

// 解析器来源标签
const (
	SourceBookingChat    = "booking_chat"
	SourceBookingConfirm = "booking_confirm"
	SourceAirbnbChat     = "airbnb_chat"
	SourceAirbnbConfirm  = "airbnb_confirm"
)

// 预订渠道
const (
	ChannelAirbnb  = "airbnb"
	ChannelBooking = "booking"
)

// 预订状态
const (
	ReservationStatusConfirmed = "confirmed"
	ReservationStatusCancelled = "cancelled"
	ReservationStatusModified  = "modified"
	ReservationStatusPending   = "pending"
)

// 付款状态
const (
	PaymentStatusPaid    = "paid"
	PaymentStatusPending = "pending"
)

// StayPeriod 入住区间，日期为 UTC 零点
type StayPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Nights 入住晚数
func (s StayPeriod) Nights() int {
	return int(s.End.Sub(s.Start).Hours() / 24)
}

// Totals 金额汇总，未解析出的字段为 nil（而不是 0）
type Totals struct {
	Amount     *float64 `json:"amount,omitempty" validate:"omitempty"`
	Currency   string   `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Extras     *float64 `json:"extras,omitempty" validate:"omitempty,gte=0"`
	BaseRate   *float64 `json:"baseRate,omitempty" validate:"omitempty,gte=0"`
	Commission *float64 `json:"commission,omitempty" validate:"omitempty,gte=0"`
}

// IsZero 是否没有任何金额信息
func (t *Totals) IsZero() bool {
	return t == nil || (t.Amount == nil && t.Extras == nil && t.BaseRate == nil && t.Commission == nil && t.Currency == "")
}

// Merge 用 in 中非空字段覆盖当前值
func (t *Totals) Merge(in *Totals) *Totals {
	if in.IsZero() {
		return t
	}
	if t == nil {
		cp := *in
		return &cp
	}
	out := *t
	if in.Amount != nil {
		out.Amount = in.Amount
	}
	if in.Currency != "" {
		out.Currency = in.Currency
	}
	if in.Extras != nil {
		out.Extras = in.Extras
	}
	if in.BaseRate != nil {
		out.BaseRate = in.BaseRate
	}
	if in.Commission != nil {
		out.Commission = in.Commission
	}
	return &out
}

// CanonicalEmailPayload 与渠道无关的邮件解析结果。
//
// 除 Source 外所有字段都可能为空。
type CanonicalEmailPayload struct {
	Source            string            `json:"source" validate:"required,max=64"`
	Channel           string            `json:"channel,omitempty" validate:"omitempty,max=32"`
	ReservationID     string            `json:"reservationId,omitempty" validate:"omitempty,max=128,printascii"`
	ConversationID    string            `json:"conversationId,omitempty" validate:"omitempty,max=128,printascii"`
	HostEmail         string            `json:"hostEmail,omitempty" validate:"omitempty,email"`
	ClientEmail       string            `json:"clientEmail,omitempty" validate:"omitempty,email"`
	GuestName         string            `json:"guestName,omitempty" validate:"omitempty,max=200"`
	Stay              *StayPeriod       `json:"stay,omitempty"`
	MessageText       string            `json:"messageText,omitempty"`
	MessageHTML       string            `json:"messageHtml,omitempty"`
	ReservationStatus string            `json:"reservationStatus,omitempty" validate:"omitempty,oneof=confirmed cancelled modified pending"`
	PaymentStatus     string            `json:"paymentStatus,omitempty" validate:"omitempty,max=64"`
	Totals            *Totals           `json:"totals,omitempty"`
	Services          []string          `json:"services,omitempty" validate:"omitempty,dive,required,max=256"`
	Notes             string            `json:"notes,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
	RawBody           string            `json:"rawBody,omitempty"`
	RawHTML           string            `json:"rawHtml,omitempty"`
}

// Direction 返回该来源对应的消息方向，聊天类为 inbound，确认类为 system。
func (p *CanonicalEmailPayload) Direction() MessageDirection {
	switch p.Source {
	case SourceBookingChat, SourceAirbnbChat:
		return DirectionInbound
	default:
		return DirectionSystem
	}
}
