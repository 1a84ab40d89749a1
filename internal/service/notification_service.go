package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/observability"
	"github.com/peergramming/peer-testing/internal/repository"
)

// ResolutionListener is told about every test match the dispatcher resolves.
type ResolutionListener interface {
	TestMatchResolved(ctx context.Context, match models.TestMatch)
}

// NotificationService stores notifications and streams them, together with
// test match status changes, to connected clients.
type NotificationService interface {
	ResolutionListener
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error)
	List(ctx context.Context, userID uint, limit, offset int) ([]dto.NotificationResponse, error)
	MarkRead(ctx context.Context, id uint, userID uint) (dto.NotificationResponse, error)
	Subscribe(userID uint) (<-chan dto.NotificationResponse, func())
	WatchMatch(matchID string) (<-chan dto.TestMatchStatus, func())
	Start(ctx context.Context)
}

type notificationService struct {
	store         *repository.Store
	redis         *redis.Client
	redisChannel  string
	nats          *nats.Conn
	natsSubject   string
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	sanitizer     *bluemonday.Policy
	notifications *broker[uint, dto.NotificationResponse]
	statuses      *broker[string, dto.TestMatchStatus]
	nodeID        string
}

// streamEvent is relayed between API nodes. Exactly one payload is set.
type streamEvent struct {
	Source       string                    `json:"source"`
	Notification *dto.NotificationResponse `json:"notification,omitempty"`
	Status       *dto.TestMatchStatus      `json:"status,omitempty"`
	SentAt       time.Time                 `json:"sent_at"`
}

// NewNotificationService constructs a notification service. Redis and NATS
// are optional; without them events only reach clients of this node.
func NewNotificationService(store *repository.Store, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) NotificationService {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}

	return &notificationService{
		store:         store,
		redis:         redisClient,
		redisChannel:  channel,
		nats:          natsConn,
		natsSubject:   subject,
		validator:     validate,
		logger:        logger.With().Str("component", "notification_service").Logger(),
		tracer:        otel.Tracer("github.com/peergramming/peer-testing/internal/service/notification"),
		sanitizer:     bluemonday.StrictPolicy(),
		notifications: newBroker[uint, dto.NotificationResponse](),
		statuses:      newBroker[string, dto.TestMatchStatus](),
		nodeID:        uuid.NewString(),
	}
}

func (s *notificationService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *notificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.NotificationResponse{}, err
	}

	cleanMessage := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if cleanMessage == "" {
		return dto.NotificationResponse{}, invalid("notification message empty after sanitization")
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(
		attribute.Int64("notification.user_id", int64(payload.UserID)),
		attribute.String("notification.type", payload.Type),
	))
	defer span.End()

	model := models.Notification{
		UserID:      payload.UserID,
		Type:        payload.Type,
		Message:     cleanMessage,
		TestMatchID: payload.TestMatchID,
	}
	if err := s.store.Notifications.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, err
	}

	response := dto.NewNotificationResponse(model)
	s.notifications.broadcast(response.UserID, response)
	observability.NotificationsPublished().WithLabelValues(response.Type).Inc()

	if err := s.relay(spanCtx, streamEvent{Notification: &response}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to relay notification")
	}

	return response, nil
}

func (s *notificationService) List(ctx context.Context, userID uint, limit, offset int) ([]dto.NotificationResponse, error) {
	if userID == 0 {
		return nil, invalid("user id is required")
	}

	notifications, err := s.store.Notifications.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	return dto.NewNotificationResponseSlice(notifications), nil
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID uint) (dto.NotificationResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(
		attribute.Int64("notification.user_id", int64(userID)),
	))
	defer span.End()

	notification, err := s.store.Notifications.MarkRead(spanCtx, id, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.NotificationResponse{}, fmt.Errorf("notification %w", ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, err
	}

	return dto.NewNotificationResponse(notification), nil
}

func (s *notificationService) Subscribe(userID uint) (<-chan dto.NotificationResponse, func()) {
	ch := s.notifications.subscribe(userID)
	observability.StreamClients().WithLabelValues("sse").Inc()

	return ch, func() {
		s.notifications.unsubscribe(userID, ch)
		observability.StreamClients().WithLabelValues("sse").Dec()
	}
}

func (s *notificationService) WatchMatch(matchID string) (<-chan dto.TestMatchStatus, func()) {
	ch := s.statuses.subscribe(matchID)
	observability.StreamClients().WithLabelValues("websocket").Inc()

	return ch, func() {
		s.statuses.unsubscribe(matchID, ch)
		observability.StreamClients().WithLabelValues("websocket").Dec()
	}
}

// TestMatchResolved pushes the new status to watchers and notifies the
// users entitled to the result. Peer-tested authors are told only that a
// peer ran a test, never who.
func (s *notificationService) TestMatchResolved(ctx context.Context, match models.TestMatch) {
	status := dto.NewTestMatchStatus(match)
	s.statuses.broadcast(match.ID, status)
	if err := s.relay(ctx, streamEvent{Status: &status}); err != nil {
		s.logger.Warn().Err(err).Str("test_match_id", match.ID).Msg("failed to relay test match status")
	}

	recipients, err := s.recipients(ctx, match)
	if err != nil {
		s.logger.Error().Err(err).Str("test_match_id", match.ID).Msg("failed to resolve notification recipients")
		return
	}

	matchID := match.ID
	for userID, kind := range recipients {
		message := fmt.Sprintf("Results for test match %s are ready: %s.", match.ID, strings.ReplaceAll(status.Outcome, "_", " "))
		if kind == models.NotificationPeerTested {
			message = "A peer ran one of their tests against your solution."
		}
		_, err := s.Publish(ctx, dto.NotificationCreateRequest{
			UserID:      userID,
			Type:        kind,
			Message:     message,
			TestMatchID: &matchID,
		})
		if err != nil {
			s.logger.Warn().Err(err).Uint("user_id", userID).Str("test_match_id", match.ID).Msg("failed to publish result notification")
		}
	}
}

func (s *notificationService) recipients(ctx context.Context, match models.TestMatch) (map[uint]string, error) {
	recipients := make(map[uint]string, 2)

	switch match.Type {
	case models.TestMatchSelf:
		recipients[match.Solution.CreatorID] = models.NotificationResultsReady
	case models.TestMatchTeacher:
		recipients[match.Test.CreatorID] = models.NotificationResultsReady
	case models.TestMatchPeer:
		access, err := s.store.Feedback.FindAccess(ctx, match.ID)
		if err != nil {
			return nil, err
		}
		recipients[access.InitiatorID] = models.NotificationResultsReady
		if match.Solution.Type == models.SubmissionSolution && match.Solution.CreatorID != access.InitiatorID {
			recipients[match.Solution.CreatorID] = models.NotificationPeerTested
		}
	}

	delete(recipients, 0)
	return recipients, nil
}

func (s *notificationService) relay(ctx context.Context, event streamEvent) error {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	event.Source = s.nodeID
	event.SentAt = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *notificationService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("event redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *notificationService) consumeNATS(ctx context.Context) {
	// Every node must see every event, so this is a plain subscription rather than a queue group.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats events subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain events nats subscription")
		}
	}()
}

func (s *notificationService) handleEvent(payload []byte) {
	var event streamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid stream event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	switch {
	case event.Notification != nil:
		notification := *event.Notification
		if notification.Type == "" {
			notification.Type = "generic"
		}
		s.notifications.broadcast(notification.UserID, notification)
	case event.Status != nil:
		s.statuses.broadcast(event.Status.ID, *event.Status)
	}
}
