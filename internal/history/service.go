package history

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"gigchat/internal/metrics"
)

const maxTextLength = 4000

type Service struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, logger: logger, metrics: m}
}

func validate(req *AppendRequest) error {
	switch {
	case req.SenderID == "":
		return fmt.Errorf("%w: senderId is required", ErrInvalidMessage)
	case req.ReceiverID == "":
		return fmt.Errorf("%w: receiverId is required", ErrInvalidMessage)
	case strings.TrimSpace(req.Text) == "":
		return fmt.Errorf("%w: text is required", ErrInvalidMessage)
	case utf8.RuneCountInString(req.Text) > maxTextLength:
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, maxTextLength)
	}
	return nil
}

// Append persists a message. It is independent of live relay: a message can
// be relayed without ever being appended, and vice versa.
func (s *Service) Append(ctx context.Context, req *AppendRequest) (*Message, error) {
	if err := validate(req); err != nil {
		s.metrics.HistoryAppends.WithLabelValues("rejected").Inc()
		return nil, err
	}
	m, err := s.store.Append(ctx, &Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		ClientID:   req.ClientID,
	})
	if err != nil {
		s.metrics.HistoryAppends.WithLabelValues("error").Inc()
		s.logger.Error("history_append_failed",
			zap.String("sender_id", req.SenderID),
			zap.String("receiver_id", req.ReceiverID),
			zap.Error(err))
		return nil, err
	}
	s.metrics.HistoryAppends.WithLabelValues("ok").Inc()
	return m, nil
}

func (s *Service) History(ctx context.Context, userA, userB string) ([]Message, error) {
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", ErrInvalidMessage)
	}
	return s.store.History(ctx, userA, userB)
}

// MarkSeen flags every unseen message from -> to as seen and returns how many
// changed.
func (s *Service) MarkSeen(ctx context.Context, from, to string) (int64, error) {
	n, err := s.store.MarkSeen(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("history_marked_seen", zap.String("from", from), zap.String("to", to), zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) CountUnread(ctx context.Context, userID string) (int64, error) {
	return s.store.CountUnread(ctx, userID)
}

func (s *Service) UnreadBySender(ctx context.Context, userID string) (map[string]int64, error) {
	return s.store.UnreadBySender(ctx, userID)
}
