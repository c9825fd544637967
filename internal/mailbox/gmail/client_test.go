package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
)

type fakeGmail struct {
	t        *testing.T
	modified []string
	failAuth bool
	expired  bool
	// forbidden 非空时所有请求返回 403 与该错误体
	forbidden string
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if f.failAuth {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"invalid credentials"}}`))
		return
	}
	if f.forbidden != "" {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(f.forbidden))
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/users/me/profile"):
		f.json(w, map[string]string{"emailAddress": "host@example.com", "historyId": "2000"})
	case strings.HasSuffix(path, "/users/me/history"):
		if f.expired {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
			return
		}
		assert.Equal(f.t, "1000", r.URL.Query().Get("startHistoryId"))
		if r.URL.Query().Get("pageToken") == "" {
			f.json(w, map[string]interface{}{
				"history": []map[string]interface{}{
					{"id": "1001", "messagesAdded": []map[string]interface{}{
						{"message": map[string]interface{}{"id": "m1", "labelIds": []string{"INBOX", "UNREAD"}}},
					}},
				},
				"historyId":     "1002",
				"nextPageToken": "p2",
			})
			return
		}
		f.json(w, map[string]interface{}{
			"history": []map[string]interface{}{
				{"id": "1002", "messagesAdded": []map[string]interface{}{
					{"message": map[string]interface{}{"id": "m1", "labelIds": []string{"INBOX"}}},
					{"message": map[string]interface{}{"id": "m2", "labelIds": []string{"SENT"}}},
				}},
			},
			"historyId": "1003",
		})
	case strings.HasSuffix(path, "/users/me/messages/m1/modify"):
		f.modified = append(f.modified, "m1")
		f.json(w, map[string]string{"id": "m1"})
	case strings.HasSuffix(path, "/users/me/messages/m1"):
		body := base64.URLEncoding.EncodeToString([]byte("codice di conferma: ABC123"))
		f.json(w, map[string]interface{}{
			"id":           "m1",
			"threadId":     "t1",
			"labelIds":     []string{"INBOX", "UNREAD"},
			"internalDate": "1740830400000",
			"payload": map[string]interface{}{
				"mimeType": "multipart/alternative",
				"headers": []map[string]string{
					{"name": "From", "value": "automated@airbnb.com"},
					{"name": "Subject", "value": "Prenotazione confermata"},
				},
				"parts": []map[string]interface{}{
					{"mimeType": "text/plain", "body": map[string]string{"data": body}},
				},
			},
		})
	case strings.HasSuffix(path, "/users/me/messages/missing"):
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
	case strings.HasSuffix(path, "/users/me/messages"):
		assert.Equal(f.t, "is:unread", r.URL.Query().Get("q"))
		f.json(w, map[string]interface{}{
			"messages": []map[string]string{{"id": "a"}, {"id": "b"}, {"id": "c"}},
		})
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGmail) json(w http.ResponseWriter, v interface{}) {
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func connect(t *testing.T, fake *fakeGmail) mailbox.Client {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	connector := NewConnector(Config{
		RequestsPerSecond: 1000,
		Endpoint:          srv.URL + "/",
		HTTPClient:        srv.Client(),
	}, nil)

	client, err := connector.Connect(context.Background(),
		&domain.EmailAccount{Address: "host@example.com"},
		&mailbox.Credentials{AccessToken: "token", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)},
	)
	require.NoError(t, err)
	return client
}

func TestClient_FetchMessage(t *testing.T) {
	client := connect(t, &fakeGmail{t: t})
	ctx := context.Background()

	msg, err := client.FetchMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), msg.ReceivedAt)

	headers := mailbox.ExtractHeaders(msg)
	assert.Equal(t, "automated@airbnb.com", headers["from"])
	text, _ := mailbox.ExtractBodies(msg)
	assert.Equal(t, "codice di conferma: ABC123", text)

	_, err = client.FetchMessage(ctx, "missing")
	assert.ErrorIs(t, err, mailbox.ErrMessageNotFound)
}

func TestClient_ListHistory(t *testing.T) {
	client := connect(t, &fakeGmail{t: t})

	history, err := client.ListHistory(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1003), history.Cursor)
	require.Len(t, history.Added, 2)
	assert.Equal(t, "m1", history.Added[0].MessageID)
	assert.True(t, history.Added[0].IsUnreadInbox())
	assert.Equal(t, uint64(1001), history.Added[0].Cursor)
	assert.Equal(t, "m2", history.Added[1].MessageID)
}

func TestClient_ListHistoryExpired(t *testing.T) {
	client := connect(t, &fakeGmail{t: t, expired: true})

	_, err := client.ListHistory(context.Background(), 1000)
	assert.ErrorIs(t, err, mailbox.ErrCursorExpired)
}

func TestClient_ListMessagesAndMarkRead(t *testing.T) {
	fake := &fakeGmail{t: t}
	client := connect(t, fake)
	ctx := context.Background()

	ids, err := client.ListMessages(ctx, "is:unread", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, client.MarkRead(ctx, "m1"))
	assert.Equal(t, []string{"m1"}, fake.modified)

	cursor, err := client.LatestCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), cursor)

	creds := client.Credentials()
	require.NotNil(t, creds)
	assert.Equal(t, "token", creds.AccessToken)
}

func TestClient_AuthFailure(t *testing.T) {
	client := connect(t, &fakeGmail{t: t, failAuth: true})

	_, err := client.LatestCursor(context.Background())
	assert.True(t, mailbox.IsAuthError(err))
}

func TestClient_Forbidden(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantAuth bool
	}{
		{"用户限流", `{"error":{"code":403,"message":"User-rate limit exceeded","errors":[{"reason":"userRateLimitExceeded","domain":"usageLimits"}]}}`, false},
		{"Daily quota", `{"error":{"code":403,"message":"Daily Limit Exceeded","errors":[{"reason":"dailyLimitExceeded","domain":"usageLimits"}]}}`, false},
		{"全局限流", `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"reason":"rateLimitExceeded","domain":"global"}]}}`, false},
		{"No reason given", `{"error":{"code":403,"message":"forbidden"}}`, false},
		{"权限不足", `{"error":{"code":403,"message":"Insufficient Permission","errors":[{"reason":"insufficientPermissions","domain":"global"}]}}`, true},
		{"Delegation denied", `{"error":{"code":403,"message":"Delegation denied","errors":[{"reason":"forbidden","domain":"global"}]}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := connect(t, &fakeGmail{t: t, forbidden: tt.body})

			_, err := client.FetchMessage(context.Background(), "m1")
			require.Error(t, err)
			assert.Equal(t, tt.wantAuth, mailbox.IsAuthError(err))
		})
	}
}

func TestCharsetOf(t *testing.T) {
	assert.Equal(t, "ISO-8859-1", charsetOf(`text/plain; charset="ISO-8859-1"`))
	assert.Equal(t, "utf-8", charsetOf("text/html;charset=utf-8; format=flowed"))
	assert.Equal(t, "", charsetOf("text/plain"))
	assert.Equal(t, "", charsetOf(""))
	assert.Equal(t, "", charsetOf("text/plain; charset"), "malformed parameter")
}

func TestConnector_NoToken(t *testing.T) {
	connector := NewConnector(Config{}, nil)
	_, err := connector.Connect(context.Background(), &domain.EmailAccount{Address: "host@example.com"}, nil)
	assert.True(t, mailbox.IsAuthError(err))
}
