// Package session is the client side of the chat transport. A Session owns one
// websocket connection, keeps the visible message list for the open
// conversation, and reconciles optimistic sends with what the history store
// confirms.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gigchat/internal/chat"
	"gigchat/internal/history"
)

var (
	ErrNotConnected      = errors.New("session: not connected")
	ErrConnectInProgress = errors.New("session: connect already in progress")
	ErrNoConversation    = errors.New("session: no open conversation")
	ErrEmptyMessage      = errors.New("session: empty message")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Entry is one row of the visible list. Pending entries exist only locally
// and carry the client correlation id until the history store confirms them.
type Entry struct {
	history.Message
	Pending bool `json:"pending"`
}

type Config struct {
	UserID  string
	Token   string
	WSURL   string // e.g. ws://host/ws
	BaseURL string // e.g. http://host, for the history endpoints

	// HTTPClient performs history calls. Its Timeout bounds the durable write.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	WriteWait  time.Duration
	Logger     *zap.Logger
}

type Session struct {
	cfg    Config
	api    *HistoryClient
	logger *zap.Logger
	events chan chat.Envelope

	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	peerID         string
	conversationID string
	messages       []Entry
	draft          string
	lastErr        error
	online         []string
	typing         map[string]bool
	unread         map[string]int
	acked          map[string]bool
	minimized      bool
}

func New(cfg Config) *Session {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		api:    NewHistoryClient(cfg.BaseURL, cfg.Token, cfg.HTTPClient),
		logger: cfg.Logger.With(zap.String("user_id", cfg.UserID)),
		events: make(chan chat.Envelope, 64),
		typing: make(map[string]bool),
		unread: make(map[string]int),
		acked:  make(map[string]bool),
	}
}

// ConversationKey is the routing key used for a direct conversation.
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "-")
}

// Connect dials the server and announces the user. Calling it again after a
// disconnect re-announces, which is the only way presence is restored. A
// Connect racing one that is still dialing returns ErrConnectInProgress.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.state = Connecting
	s.mu.Unlock()

	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.WSURL, header)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()

	go s.readLoop(conn)

	if err := s.emit(chat.EventUserJoin, chat.JoinPayload{UserID: s.cfg.UserID}); err != nil {
		s.disconnected(conn)
		return fmt.Errorf("join: %w", err)
	}
	s.logger.Debug("session_connected")
	return nil
}

// Close tears the connection down. Presence for this user is dropped by the
// server once it notices.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		// Detached first so the read loop does not report the close as a failure.
		s.detachLocked()
	}
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	conn.Close()
	return nil
}

func (s *Session) disconnected(conn *websocket.Conn) {
	conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.detachLocked()
	}
}

func (s *Session) detachLocked() {
	s.conn = nil
	s.state = Disconnected
	// Presence and typing are stale until the next join.
	s.online = nil
	s.typing = make(map[string]bool)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Minimize and Restore only change the visual state; the connection stays up.
func (s *Session) Minimize() {
	s.mu.Lock()
	s.minimized = true
	s.mu.Unlock()
}

func (s *Session) Restore() {
	s.mu.Lock()
	s.minimized = false
	s.mu.Unlock()
}

func (s *Session) Minimized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minimized
}

// Events delivers every frame the session received. Frames are dropped when
// nobody drains the channel.
func (s *Session) Events() <-chan chat.Envelope {
	return s.events
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Err returns the last failure surfaced to the user, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.online...)
}

func (s *Session) IsOnline(userID string) bool {
	for _, id := range s.Online() {
		if id == userID {
			return true
		}
	}
	return false
}

// IsTyping reports the last typing state seen for userID in the open
// conversation.
func (s *Session) IsTyping(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[userID]
}

// Acked reports whether the relay acknowledged the message with clientID.
func (s *Session) Acked(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[clientID]
}

// LiveUnread counts messages pushed live for conversations that are not open.
func (s *Session) LiveUnread(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[peerID]
}

// OpenConversation switches the visible list to the conversation with peerID,
// loads its history and marks the peer's messages as seen.
func (s *Session) OpenConversation(ctx context.Context, peerID string) error {
	s.mu.Lock()
	if s.peerID != peerID {
		s.messages = nil
	}
	s.peerID = peerID
	s.conversationID = ConversationKey(s.cfg.UserID, peerID)
	s.typing = make(map[string]bool)
	delete(s.unread, peerID)
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.api.MarkSeen(ctx, peerID, s.cfg.UserID); err != nil {
		s.logger.Warn("mark_seen_failed", zap.String("peer_id", peerID), zap.Error(err))
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// Refresh reloads history for the open conversation. Persisted copies
// supersede live and optimistic entries; optimistic entries that are not
// persisted yet are kept.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	peer := s.peerID
	s.mu.Unlock()
	if peer == "" {
		return ErrNoConversation
	}

	msgs, err := s.api.History(ctx, s.cfg.UserID, peer)
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("fetch history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerID != peer {
		return nil
	}
	loaded := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		loaded = append(loaded, Entry{Message: m})
	}
	// Anything local the fetch did not return survives: unpersisted sends,
	// and sends or live receives that landed while the fetch was in flight.
	merged := loaded
	for _, e := range s.messages {
		if !containsMessage(loaded, e.Message) {
			merged = append(merged, e)
		}
	}
	s.messages = merged
	return nil
}

// Send shows text immediately, relays it, and persists it. If persisting
// fails the optimistic entry is withdrawn and text goes back into the draft.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.peerID == "" {
		s.mu.Unlock()
		return ErrNoConversation
	}
	peer, convID := s.peerID, s.conversationID
	msg := history.Message{
		SenderID:   s.cfg.UserID,
		ReceiverID: peer,
		Text:       text,
		ClientID:   uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}
	s.messages = append(s.messages, Entry{Message: msg, Pending: true})
	s.draft = ""
	s.lastErr = nil
	s.mu.Unlock()

	// The relay and the durable write are independent; a failed relay
	// leaves the message to be picked up on the receiver's next fetch.
	if err := s.emit(chat.EventMessageSend, chat.SendPayload{
		ConversationID: convID,
		ReceiverID:     peer,
		Message:        msg,
	}); err != nil {
		s.logger.Warn("relay_emit_failed", zap.String("client_id", msg.ClientID), zap.Error(err))
	}

	saved, err := s.api.Append(ctx, history.AppendRequest{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		ClientID:   msg.ClientID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.removeLocked(msg.ClientID)
		s.draft = text
		s.lastErr = err
		s.logger.Warn("persist_failed", zap.String("client_id", msg.ClientID), zap.Error(err))
		return fmt.Errorf("persist message: %w", err)
	}
	s.confirmLocked(msg.ClientID, *saved)
	return nil
}

func (s *Session) StartTyping() error { return s.sendTyping(chat.EventTypingStart) }
func (s *Session) StopTyping() error  { return s.sendTyping(chat.EventTypingStop) }

func (s *Session) sendTyping(event string) error {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID == "" {
		return ErrNoConversation
	}
	return s.emit(event, chat.TypingPayload{ConversationID: convID, UserID: s.cfg.UserID})
}

// UnreadCount asks the history store for the user's badge count.
func (s *Session) UnreadCount(ctx context.Context) (int64, error) {
	return s.api.CountUnread(ctx, s.cfg.UserID)
}

func (s *Session) emit(event string, data any) error {
	frame, err := chat.Encode(event, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.disconnected(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			// A connection Close already detached ended on purpose.
			lost := s.conn == conn
			if lost {
				s.lastErr = err
			}
			s.mu.Unlock()
			if lost {
				s.logger.Info("session_read_failed", zap.Error(err))
			}
			return
		}
		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.handle(env)

		select {
		case s.events <- env:
		default:
		}
	}
}

func (s *Session) handle(env chat.Envelope) {
	switch env.Event {
	case chat.EventUsersOnline:
		var online []string
		if err := json.Unmarshal(env.Data, &online); err != nil {
			return
		}
		s.mu.Lock()
		s.online = online
		s.mu.Unlock()

	case chat.EventMessageReceive:
		var p chat.ReceivePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		s.receive(p)

	case chat.EventMessageSent:
		var p chat.SentPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		s.mu.Lock()
		if p.Success {
			s.acked[p.Message.ClientID] = true
		} else {
			s.lastErr = fmt.Errorf("relay rejected message: %s", p.Error)
		}
		s.mu.Unlock()

	case chat.EventTypingUpdate:
		var p chat.TypingUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		s.mu.Lock()
		// The server broadcasts typing to everyone; keep only ours.
		if p.ConversationID == s.conversationID && p.UserID != s.cfg.UserID {
			s.typing[p.UserID] = p.IsTyping
		}
		s.mu.Unlock()
	}
}

func (s *Session) receive(p chat.ReceivePayload) {
	m := p.Message
	if m.SenderID == s.cfg.UserID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerID == "" || (p.ConversationID != s.conversationID && m.SenderID != s.peerID) {
		s.unread[m.SenderID]++
		return
	}
	if s.containsLocked(m) {
		return
	}
	s.messages = append(s.messages, Entry{Message: m})
}

func (s *Session) containsLocked(m history.Message) bool {
	return containsMessage(s.messages, m)
}

// containsMessage matches by persisted id, correlation id, or the
// (sender, timestamp, text) triple.
func containsMessage(entries []Entry, m history.Message) bool {
	for _, e := range entries {
		switch {
		case m.ID != 0 && e.ID == m.ID:
			return true
		case m.ClientID != "" && e.ClientID == m.ClientID:
			return true
		case !m.CreatedAt.IsZero() && e.CreatedAt.Equal(m.CreatedAt) && e.SenderID == m.SenderID && e.Text == m.Text:
			return true
		}
	}
	return false
}

func (s *Session) removeLocked(clientID string) {
	for i, e := range s.messages {
		if e.Pending && e.ClientID == clientID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Session) confirmLocked(clientID string, saved history.Message) {
	for i, e := range s.messages {
		if e.ID != 0 && e.ID == saved.ID {
			// A refetch already brought the persisted copy in.
			s.removeLocked(clientID)
			return
		}
		if e.Pending && e.ClientID == clientID {
			s.messages[i] = Entry{Message: saved}
			for _, later := range s.messages[i+1:] {
				if saved.ID != 0 && later.ID == saved.ID {
					s.messages = append(s.messages[:i], s.messages[i+1:]...)
					break
				}
			}
			return
		}
	}
	// Conversation switched while the write was in flight.
}
