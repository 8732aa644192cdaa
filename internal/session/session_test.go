package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigchat/internal/chat"
	"gigchat/internal/history"
	"gigchat/internal/metrics"
	myMiddleware "gigchat/internal/middleware"
	"gigchat/internal/presence"
)

type tokenValidator struct{}

func (tokenValidator) ValidateToken(token string) (string, string, error) {
	id, ok := strings.CutPrefix(token, "tok-")
	if !ok || id == "" {
		return "", "", errors.New("invalid token")
	}
	return id, id, nil
}

// flakyStore fails every Append while failing is set.
type flakyStore struct {
	*history.MemoryStore
	failing atomic.Bool
}

func (s *flakyStore) Append(ctx context.Context, m *history.Message) (*history.Message, error) {
	if s.failing.Load() {
		return nil, errors.New("network unreachable")
	}
	return s.MemoryStore.Append(ctx, m)
}

type stack struct {
	store   *flakyStore
	baseURL string
	wsURL   string
	gate    atomic.Pointer[historyGate]
}

// historyGate holds back the response of the next history read after the
// store has already answered it.
type historyGate struct {
	loaded  chan struct{}
	release chan struct{}
}

func (st *stack) holdNextHistoryRead() *historyGate {
	g := &historyGate{loaded: make(chan struct{}), release: make(chan struct{})}
	st.gate.Store(g)
	return g
}

func (st *stack) gated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := st.gate.Load()
		if g == nil || r.Method != http.MethodGet || strings.Contains(r.URL.Path, "/unread/") ||
			!strings.HasPrefix(r.URL.Path, "/history/") || !st.gate.CompareAndSwap(g, nil) {
			next.ServeHTTP(w, r)
			return
		}
		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, r)
		close(g.loaded)
		<-g.release
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		w.Write(rec.Body.Bytes())
	})
}

func newStack(t *testing.T) *stack {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	store := &flakyStore{MemoryStore: history.NewMemoryStore()}
	hub := chat.NewHub(presence.NewRegistry(), nil, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	st := &stack{store: store}
	r := chi.NewRouter()
	r.Use(st.gated)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(tokenValidator{}).Handle)
		r.Get("/ws", chat.NewHandler(hub, chat.DefaultOptions(), zap.NewNop()).ServeWs)
		history.NewHandler(history.NewService(store, zap.NewNop(), m), zap.NewNop()).Routes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	st.baseURL = srv.URL
	st.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return st
}

func (st *stack) session(t *testing.T, user string) *Session {
	t.Helper()
	s := New(Config{
		UserID:  user,
		Token:   "tok-" + user,
		WSURL:   st.wsURL,
		BaseURL: st.baseURL,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func connect(t *testing.T, s *Session, peer string) {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.OpenConversation(context.Background(), peer))
}

func waitOnline(t *testing.T, s *Session, users ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, u := range users {
			if !s.IsOnline(u) {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func TestConnectAnnouncesPresence(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	assert.Equal(t, Disconnected, a.State())

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, Connected, a.State())
	waitOnline(t, a, "u1")
}

func TestSendLiveToOnlinePeer(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	b := st.session(t, "u2")
	connect(t, a, "u2")
	connect(t, b, "u1")
	waitOnline(t, a, "u1", "u2")

	require.NoError(t, a.Send(context.Background(), "hi"))

	mine := a.Messages()
	require.Len(t, mine, 1)
	assert.False(t, mine[0].Pending)
	assert.NotZero(t, mine[0].ID)
	assert.Equal(t, "", a.Draft())

	require.Eventually(t, func() bool { return len(b.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := b.Messages()[0]
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "u1", got.SenderID)
	assert.Equal(t, mine[0].ClientID, got.ClientID)

	require.Eventually(t, func() bool { return a.Acked(mine[0].ClientID) }, 2*time.Second, 10*time.Millisecond)

	// The same message comes back through history; still one entry.
	require.NoError(t, b.Refresh(context.Background()))
	assert.Equal(t, []string{"hi"}, texts(b.Messages()))
	assert.Equal(t, mine[0].ID, b.Messages()[0].ID)
}

func TestSendWhilePeerOfflinePersists(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	connect(t, a, "u2")

	require.NoError(t, a.Send(context.Background(), "hi"))
	require.Eventually(t, func() bool { return len(a.Messages()) == 1 && a.Acked(a.Messages()[0].ClientID) },
		2*time.Second, 10*time.Millisecond)

	msgs, err := NewHistoryClient(st.baseURL, "tok-u1", http.DefaultClient).History(context.Background(), "u1", "u2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestSendRollsBackWhenPersistFails(t *testing.T) {
	st := newStack(t)
	st.store.failing.Store(true)
	a := st.session(t, "u1")
	connect(t, a, "u2")

	a.SetDraft("hi")
	err := a.Send(context.Background(), "hi")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Empty(t, a.Messages())
	assert.Equal(t, "hi", a.Draft())
	assert.Error(t, a.Err())
}

func TestSendRollsBackOnTimeout(t *testing.T) {
	st := newStack(t)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer slow.Close()

	a := New(Config{
		UserID:     "u1",
		Token:      "tok-u1",
		WSURL:      st.wsURL,
		BaseURL:    slow.URL,
		HTTPClient: &http.Client{Timeout: 50 * time.Millisecond},
	})
	defer a.Close()
	require.NoError(t, a.Connect(context.Background()))
	a.mu.Lock()
	a.peerID, a.conversationID = "u2", ConversationKey("u1", "u2")
	a.mu.Unlock()

	require.Error(t, a.Send(context.Background(), "hi"))
	assert.Empty(t, a.Messages())
	assert.Equal(t, "hi", a.Draft())
}

func TestSendRequiresConnection(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	assert.ErrorIs(t, a.Send(context.Background(), "hi"), ErrNotConnected)

	require.NoError(t, a.Connect(context.Background()))
	assert.ErrorIs(t, a.Send(context.Background(), "hi"), ErrNoConversation)
	assert.ErrorIs(t, a.Send(context.Background(), "  "), ErrEmptyMessage)
}

func TestReceiveDeduplicates(t *testing.T) {
	s := New(Config{UserID: "u2"})
	s.peerID, s.conversationID = "u1", ConversationKey("u1", "u2")

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	push := func(m history.Message) {
		data, err := json.Marshal(chat.ReceivePayload{ConversationID: "u1-u2", Message: m})
		require.NoError(t, err)
		s.handle(chat.Envelope{Event: chat.EventMessageReceive, Data: data})
	}

	push(history.Message{SenderID: "u1", ReceiverID: "u2", Text: "hi", ClientID: "X", CreatedAt: at})
	push(history.Message{SenderID: "u1", ReceiverID: "u2", Text: "hi", ClientID: "X", CreatedAt: at})
	push(history.Message{SenderID: "u1", ReceiverID: "u2", Text: "hi", CreatedAt: at})
	assert.Len(t, s.Messages(), 1)

	push(history.Message{ID: 7, SenderID: "u1", ReceiverID: "u2", Text: "second", CreatedAt: at.Add(time.Second)})
	push(history.Message{ID: 7, SenderID: "u1", ReceiverID: "u2", Text: "second"})
	assert.Equal(t, []string{"hi", "second"}, texts(s.Messages()))

	// Own echoes are never appended.
	push(history.Message{SenderID: "u2", ReceiverID: "u1", Text: "mine", ClientID: "Y"})
	assert.Len(t, s.Messages(), 2)
}

func TestReceiveForOtherConversationCountsUnread(t *testing.T) {
	s := New(Config{UserID: "u2"})
	s.peerID, s.conversationID = "u1", ConversationKey("u1", "u2")

	data, err := json.Marshal(chat.ReceivePayload{ConversationID: "u2-u3", Message: history.Message{SenderID: "u3", Text: "psst"}})
	require.NoError(t, err)
	s.handle(chat.Envelope{Event: chat.EventMessageReceive, Data: data})

	assert.Empty(t, s.Messages())
	assert.Equal(t, 1, s.LiveUnread("u3"))
}

func TestConfirmReplacesOptimisticEntry(t *testing.T) {
	s := New(Config{UserID: "u1"})
	s.messages = []Entry{{Message: history.Message{Text: "hi", ClientID: "X"}, Pending: true}}

	s.confirmLocked("X", history.Message{ID: 3, Text: "hi", ClientID: "X"})
	require.Len(t, s.messages, 1)
	assert.False(t, s.messages[0].Pending)
	assert.EqualValues(t, 3, s.messages[0].ID)

	// A refetch already holding the persisted copy wins over the pending one.
	s.messages = []Entry{
		{Message: history.Message{ID: 4, Text: "yo", ClientID: "Z"}},
		{Message: history.Message{Text: "yo", ClientID: "Z"}, Pending: true},
	}
	s.confirmLocked("Z", history.Message{ID: 4, Text: "yo", ClientID: "Z"})
	require.Len(t, s.messages, 1)
	assert.EqualValues(t, 4, s.messages[0].ID)
}

func TestOpenConversationMarksSeen(t *testing.T) {
	st := newStack(t)
	b := st.session(t, "u2")
	connect(t, b, "u1")
	require.NoError(t, b.Send(context.Background(), "one"))
	require.NoError(t, b.Send(context.Background(), "two"))

	a := st.session(t, "u1")
	require.NoError(t, a.Connect(context.Background()))
	unread, err := a.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, unread)

	require.NoError(t, a.OpenConversation(context.Background(), "u2"))
	assert.Equal(t, []string{"one", "two"}, texts(a.Messages()))

	unread, err = a.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, unread)
}

func TestTypingFilteredByConversation(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	b := st.session(t, "u2")
	c := st.session(t, "u3")
	connect(t, a, "u2")
	connect(t, b, "u1")
	connect(t, c, "u4")
	waitOnline(t, a, "u1", "u2", "u3")
	waitOnline(t, b, "u1", "u2", "u3")
	waitOnline(t, c, "u1", "u2", "u3")

	require.NoError(t, a.StartTyping())
	require.Eventually(t, func() bool { return b.IsTyping("u1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.StopTyping())
	require.Eventually(t, func() bool { return !b.IsTyping("u1") }, 2*time.Second, 10*time.Millisecond)

	// u3 got the broadcast but is looking at another conversation.
	assert.False(t, c.IsTyping("u1"))
}

func TestMinimizeKeepsConnection(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	require.NoError(t, a.Connect(context.Background()))

	a.Minimize()
	assert.True(t, a.Minimized())
	assert.Equal(t, Connected, a.State())
	a.Restore()
	assert.False(t, a.Minimized())
}

func TestReconnectRejoins(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	b := st.session(t, "u2")
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	waitOnline(t, b, "u1", "u2")

	require.NoError(t, a.Close())
	assert.Equal(t, Disconnected, a.State())
	require.Eventually(t, func() bool { return !b.IsOnline("u1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Connect(context.Background()))
	waitOnline(t, b, "u1")
}

func TestRefreshKeepsMessagesThatLandDuringFetch(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	b := st.session(t, "u2")
	connect(t, a, "u2")
	connect(t, b, "u1")
	waitOnline(t, a, "u1", "u2")

	gate := st.holdNextHistoryRead()
	refreshed := make(chan error, 1)
	go func() { refreshed <- a.Refresh(context.Background()) }()
	<-gate.loaded

	// Both of these are newer than the history the fetch already read.
	require.NoError(t, a.Send(context.Background(), "hi"))
	require.NoError(t, b.Send(context.Background(), "hey"))
	require.Eventually(t, func() bool { return len(a.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)

	close(gate.release)
	require.NoError(t, <-refreshed)
	assert.ElementsMatch(t, []string{"hi", "hey"}, texts(a.Messages()))
	for _, e := range a.Messages() {
		if e.Text == "hi" {
			assert.False(t, e.Pending)
			assert.NotZero(t, e.ID)
		}
	}

	// The next fetch returns both; the local copies are replaced, not doubled.
	require.NoError(t, a.Refresh(context.Background()))
	msgs := a.Messages()
	assert.Equal(t, []string{"hi", "hey"}, texts(msgs))
	for _, e := range msgs {
		assert.NotZero(t, e.ID)
	}
}

func TestConnectWhileDialing(t *testing.T) {
	st := newStack(t)
	dialing := make(chan struct{})
	release := make(chan struct{})
	a := New(Config{
		UserID:  "u1",
		Token:   "tok-u1",
		WSURL:   st.wsURL,
		BaseURL: st.baseURL,
		Dialer: &websocket.Dialer{
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				close(dialing)
				<-release
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	})
	t.Cleanup(func() { a.Close() })

	connected := make(chan error, 1)
	go func() { connected <- a.Connect(context.Background()) }()
	<-dialing

	assert.Equal(t, Connecting, a.State())
	assert.ErrorIs(t, a.Connect(context.Background()), ErrConnectInProgress)

	close(release)
	require.NoError(t, <-connected)
	assert.Equal(t, Connected, a.State())
	require.NoError(t, a.Connect(context.Background()))
	waitOnline(t, a, "u1")
}

func TestLostConnectionIsReported(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		// Reset the socket instead of closing the websocket.
		if tcp, ok := conn.NetConn().(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
		conn.NetConn().Close()
	}))
	defer srv.Close()

	a := New(Config{UserID: "u1", WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, a.Connect(context.Background()))
	require.Eventually(t, func() bool { return a.State() == Disconnected }, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, a.Err())
}

func TestLocalCloseIsNotAnError(t *testing.T) {
	st := newStack(t)
	a := st.session(t, "u1")
	require.NoError(t, a.Connect(context.Background()))
	waitOnline(t, a, "u1")

	require.NoError(t, a.Close())
	assert.Never(t, func() bool { return a.Err() != nil }, 200*time.Millisecond, 10*time.Millisecond)
}
