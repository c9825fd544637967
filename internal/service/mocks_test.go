package service

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// MockClient 模拟邮箱客户端
type MockClient struct {
	mock.Mock
}

func (m *MockClient) FetchMessage(ctx context.Context, messageID string) (*mailbox.Message, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mailbox.Message), args.Error(1)
}

func (m *MockClient) ListMessages(ctx context.Context, query string, maxResults int) ([]string, error) {
	args := m.Called(ctx, query, maxResults)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockClient) ListHistory(ctx context.Context, since uint64) (*mailbox.History, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mailbox.History), args.Error(1)
}

func (m *MockClient) MarkRead(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MockClient) LatestCursor(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockClient) Credentials() *mailbox.Credentials {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*mailbox.Credentials)
}

func (m *MockClient) Close() error {
	return nil
}

// MockNotifier 模拟下游通知
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, event *domain.WebhookEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// recordingNotifier 记录收到的事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
}

func (r *recordingNotifier) Notify(ctx context.Context, event *domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *recordingNotifier) types() []domain.WebhookEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WebhookEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

// textMessage 构造单部分纯文本邮件
func textMessage(id string, headers map[string]string, body string) *mailbox.Message {
	return &mailbox.Message{
		ID:         id,
		Labels:     []string{mailbox.LabelInbox, mailbox.LabelUnread},
		ReceivedAt: testNow,
		Payload: &mailbox.Part{
			MimeType: "text/plain",
			Headers:  headers,
			Body:     []byte(body),
		},
	}
}

var (
	airbnbConfirmHeaders = map[string]string{
		"From":    "Airbnb <automated@airbnb.com>",
		"To":      "host@villarosa.it",
		"Subject": "Prenotazione confermata",
	}
	airbnbConfirmBody = "Nuova prenotazione confermata!\ncodice di conferma: ABC123\n"

	bookingChatHeaders = map[string]string{
		"From":    `"Jane Doe via Booking.com" <123456-abc.def@mchat.booking.com>`,
		"To":      "host@villarosa.it",
		"Subject": "Abbiamo ricevuto questo messaggio da Jane Doe",
	}
	bookingChatBody = "##- Digita la tua risposta sopra questa riga -##\n\n" +
		"Hai ricevuto un nuovo messaggio da Jane Doe\n\n" +
		"Ciao, arriviamo verso le 18. C'è parcheggio?\n\n" +
		"Rispondi\nhttps://admin.booking.com/hotel/hoteladmin/extranet_ng/manage/messaging"

	newsletterHeaders = map[string]string{
		"From":    "Newsletter <news@example.com>",
		"Subject": "Offerte della settimana",
	}
)
