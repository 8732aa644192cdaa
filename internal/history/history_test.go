package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigchat/internal/metrics"
	myMiddleware "gigchat/internal/middleware"
)

func newTestService(store Store) *Service {
	return NewService(store, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func TestServiceAppendValidates(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	for name, req := range map[string]AppendRequest{
		"no sender":   {ReceiverID: "u2", Text: "hi"},
		"no receiver": {SenderID: "u1", Text: "hi"},
		"blank text":  {SenderID: "u1", ReceiverID: "u2", Text: "   "},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Append(ctx, &req)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestServiceHistoryAscendingBothDirections(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Append(ctx, &AppendRequest{SenderID: "u1", ReceiverID: "u2", Text: "one"})
	require.NoError(t, err)
	_, err = svc.Append(ctx, &AppendRequest{SenderID: "u2", ReceiverID: "u1", Text: "two"})
	require.NoError(t, err)
	_, err = svc.Append(ctx, &AppendRequest{SenderID: "u1", ReceiverID: "u3", Text: "elsewhere"})
	require.NoError(t, err)

	msgs, err := svc.History(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
	assert.False(t, msgs[0].Seen)
	assert.NotZero(t, msgs[0].ID)
	assert.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt))
}

func TestMarkSeenReducesUnread(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	for _, text := range []string{"a", "b"} {
		_, err := svc.Append(ctx, &AppendRequest{SenderID: "u2", ReceiverID: "u1", Text: text})
		require.NoError(t, err)
	}
	_, err := svc.Append(ctx, &AppendRequest{SenderID: "u3", ReceiverID: "u1", Text: "c"})
	require.NoError(t, err)

	unread, err := svc.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, unread)

	n, err := svc.MarkSeen(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	unread, err = svc.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)

	n, err = svc.MarkSeen(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	bySender, err := svc.UnreadBySender(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u3": 1}, bySender)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Append(context.Context, *Message) (*Message, error) {
	return nil, errors.New("connection reset")
}

func newRouter(svc *Service, asUser string) http.Handler {
	r := chi.NewRouter()
	if asUser != "" {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(myMiddleware.WithUser(req.Context(), asUser, asUser)))
			})
		})
	}
	NewHandler(svc, zap.NewNop()).Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoundTrip(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	h := newRouter(svc, "u2")
	receiver := newRouter(svc, "u1")

	rec := do(t, h, http.MethodPost, "/history", AppendRequest{SenderID: "u2", ReceiverID: "u1", Text: "hello", ClientID: "tmp-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "tmp-1", created.ClientID)
	assert.NotZero(t, created.ID)

	rec = do(t, h, http.MethodPost, "/history", AppendRequest{SenderID: "u2", ReceiverID: "u1", Text: "again"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodGet, "/history/u1/u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)

	rec = do(t, receiver, http.MethodGet, "/history/unread/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var unread UnreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unread))
	assert.EqualValues(t, 2, unread.Count)

	rec = do(t, receiver, http.MethodPatch, "/history/u2/u1/seen", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var seen SeenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seen))
	assert.EqualValues(t, 2, seen.Updated)

	rec = do(t, receiver, http.MethodGet, "/history/unread/u1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unread))
	assert.EqualValues(t, 0, unread.Count)
}

func TestHandlerEmptyHistoryIsArray(t *testing.T) {
	h := newRouter(newTestService(NewMemoryStore()), "")
	rec := do(t, h, http.MethodGet, "/history/u1/u9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandlerErrors(t *testing.T) {
	h := newRouter(newTestService(NewMemoryStore()), "u1")

	rec := do(t, h, http.MethodPost, "/history", AppendRequest{SenderID: "u1", ReceiverID: "u2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/history", AppendRequest{SenderID: "u9", ReceiverID: "u2", Text: "spoof"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/history", bytes.NewBufferString("{"))
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	failing := newRouter(newTestService(failingStore{NewMemoryStore()}), "u1")
	rec = do(t, failing, http.MethodPost, "/history", AppendRequest{SenderID: "u1", ReceiverID: "u2", Text: "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandlerRestrictsReadsToParticipants(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	_, err := svc.Append(context.Background(), &AppendRequest{SenderID: "u2", ReceiverID: "u1", Text: "private"})
	require.NoError(t, err)

	outsider := newRouter(svc, "u3")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/history/u1/u2"},
		{http.MethodGet, "/history/unread/u1"},
		{http.MethodGet, "/history/unread/u1/by-sender"},
		{http.MethodPatch, "/history/u2/u1/seen"},
	} {
		rec := do(t, outsider, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, tc.method+" "+tc.path)
	}

	// The sender cannot mark its own message as seen on the receiver's behalf.
	rec := do(t, newRouter(svc, "u2"), http.MethodPatch, "/history/u2/u1/seen", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	unread, err := svc.CountUnread(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)

	rec = do(t, newRouter(svc, "u2"), http.MethodGet, "/history/u1/u2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
