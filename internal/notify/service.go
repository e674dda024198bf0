package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/bimillog/internal/domain"
	"github.com/victornm/bimillog/internal/errors"
	"github.com/victornm/bimillog/internal/event"
	"github.com/victornm/bimillog/internal/stream"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Storage is the durable side of the notification pipeline.
type Storage interface {
	InsertNotification(ctx context.Context, n *domain.Notification) (int64, error)
	ListNotifications(ctx context.Context, userID int64, page, size int) ([]domain.Notification, error)
	MarkNotificationsRead(ctx context.Context, ids []int64, userID int64) error
	DeleteNotifications(ctx context.Context, ids []int64, userID int64) error
	DeleteAllNotifications(ctx context.Context, userID int64) error

	RegisterPushTarget(ctx context.Context, userID int64, token string) error
	ClearPushTargets(ctx context.Context, userID int64) error
}

// Pusher enqueues a mobile push send; delivery is best-effort.
type Pusher interface {
	Enqueue(userID int64, title, body string)
}

type Config struct {
	EventBus *event.Bus
	Storage  Storage
	Registry *stream.Registry
	Pusher   Pusher

	// Redis backs the idempotency guard for events that may be redelivered.
	Redis  redis.UniversalClient
	Prefix string

	IdempotencyTTL time.Duration

	// AdminUserIDs receive report notifications.
	AdminUserIDs []int64
}

// Service fans domain events out into persisted notifications, live stream
// frames and mobile push sends. Persisting the notification is the one step
// that must not silently fail; both delivery channels degrade gracefully.
type Service struct {
	storage  Storage
	registry *stream.Registry
	pusher   Pusher

	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration

	admins []int64
}

func NewService(c Config) *Service {
	s := &Service{
		storage:  c.Storage,
		registry: c.Registry,
		pusher:   c.Pusher,
		redis:    c.Redis,
		prefix:   c.Prefix,
		ttl:      c.IdempotencyTTL,
		admins:   c.AdminUserIDs,
	}

	if s.ttl <= 0 {
		s.ttl = defaultIdempotencyTTL
	}

	eb := c.EventBus
	eb.Subscribe(domain.EventNameCommentCreated, func(ctx context.Context, e event.Event) error {
		return s.onCommentCreated(ctx, e.(domain.EventCommentCreated))
	})
	eb.Subscribe(domain.EventNameMessageWritten, func(ctx context.Context, e event.Event) error {
		return s.onMessageWritten(ctx, e.(domain.EventMessageWritten))
	})
	eb.Subscribe(domain.EventNamePostLiked, func(ctx context.Context, e event.Event) error {
		return s.onPostLiked(ctx, e.(domain.EventPostLiked))
	})
	eb.Subscribe(domain.EventNamePostFeatured, func(ctx context.Context, e event.Event) error {
		return s.onPostFeatured(ctx, e.(domain.EventPostFeatured))
	})
	eb.Subscribe(domain.EventNameReportSubmitted, func(ctx context.Context, e event.Event) error {
		return s.onReportSubmitted(ctx, e.(domain.EventReportSubmitted))
	})
	eb.Subscribe(domain.EventNameUserLoggedOut, func(ctx context.Context, e event.Event) error {
		return s.onUserLoggedOut(ctx, e.(domain.EventUserLoggedOut))
	})
	eb.Subscribe(domain.EventNameUserWithdrawn, func(ctx context.Context, e event.Event) error {
		return s.onUserWithdrawn(ctx, e.(domain.EventUserWithdrawn))
	})

	return s
}

func (s *Service) onCommentCreated(ctx context.Context, e domain.EventCommentCreated) error {
	if e.PostOwnerID == e.CommenterID {
		return nil
	}

	return s.deliver(ctx, e.PostOwnerID, domain.NotificationComment,
		fmt.Sprintf("%s commented on your post", e.CommenterName),
		fmt.Sprintf("/posts/%d", e.PostID),
	)
}

func (s *Service) onMessageWritten(ctx context.Context, e domain.EventMessageWritten) error {
	if e.PaperOwnerID == e.WriterID {
		return nil
	}

	dup, err := s.alreadyProcessed(ctx, e.IdempotencyKey)
	if err != nil {
		slog.WarnContext(ctx, "notify: idempotency check failed, processing anyway", "error", err)
	}
	if dup {
		return nil
	}

	return s.deliver(ctx, e.PaperOwnerID, domain.NotificationMessage,
		fmt.Sprintf("%s left a message on your rolling paper", e.WriterName),
		fmt.Sprintf("/papers/%d", e.PaperOwnerID),
	)
}

func (s *Service) onPostLiked(ctx context.Context, e domain.EventPostLiked) error {
	if e.PostOwnerID == e.LikerID {
		return nil
	}

	return s.deliver(ctx, e.PostOwnerID, domain.NotificationLike,
		fmt.Sprintf("%s liked your post", e.LikerName),
		fmt.Sprintf("/posts/%d", e.PostID),
	)
}

func (s *Service) onPostFeatured(ctx context.Context, e domain.EventPostFeatured) error {
	return s.deliver(ctx, e.OwnerID, domain.NotificationFeatured,
		"your post is trending this week",
		fmt.Sprintf("/posts/%d", e.PostID),
	)
}

func (s *Service) onReportSubmitted(ctx context.Context, e domain.EventReportSubmitted) error {
	var firstErr error
	for _, admin := range s.admins {
		err := s.deliver(ctx, admin, domain.NotificationReport,
			fmt.Sprintf("new %s report submitted", e.TargetType),
			fmt.Sprintf("/admin/reports/%d", e.ReportID),
		)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (s *Service) onUserLoggedOut(ctx context.Context, e domain.EventUserLoggedOut) error {
	if !e.All {
		s.registry.Close(e.UserID, e.SessionID)
		return nil
	}

	s.registry.CloseAll(e.UserID)
	if err := s.storage.ClearPushTargets(ctx, e.UserID); err != nil {
		return fmt.Errorf("clear push targets: %w", err)
	}

	return nil
}

// onUserWithdrawn cascades: no streams, no push targets, no notifications.
func (s *Service) onUserWithdrawn(ctx context.Context, e domain.EventUserWithdrawn) error {
	s.registry.CloseAll(e.UserID)

	if err := s.storage.ClearPushTargets(ctx, e.UserID); err != nil {
		return fmt.Errorf("clear push targets: %w", err)
	}
	if err := s.storage.DeleteAllNotifications(ctx, e.UserID); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}

	return nil
}

// deliver persists the notification and then attempts both live channels.
// The persist error propagates (the bus logs it at error level); stream and
// push failures never roll the durable row back.
func (s *Service) deliver(ctx context.Context, recipient int64, typ domain.NotificationType, message, url string) error {
	n := &domain.Notification{
		RecipientID: recipient,
		Type:        typ,
		Message:     message,
		TargetURL:   url,
		CreateTime:  time.Now(),
	}

	id, err := s.storage.InsertNotification(ctx, n)
	if err != nil {
		return fmt.Errorf("persist notification for user %d: %w", recipient, err)
	}
	n.ID = id

	s.registry.Push(recipient, domain.Frame{
		Type:    typ,
		Message: message,
		URL:     url,
	})

	s.pusher.Enqueue(recipient, string(typ), message)

	return nil
}

// alreadyProcessed claims the idempotency key. The first claim wins; any
// later delivery of the same key is silently skipped. An empty key opts out.
func (s *Service) alreadyProcessed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	ok, err := s.redis.SetNX(ctx, fmt.Sprintf("%s:idem:%s", s.prefix, key), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}

	return !ok, nil
}

type ListRequest struct {
	UserID int64
	Page   int
	Size   int
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, req ListRequest) ([]domain.Notification, error) {
	if req.UserID <= 0 {
		return nil, errors.New(errors.CodeUnauthenticated)
	}
	if req.Size <= 0 {
		req.Size = 20
	}

	return s.storage.ListNotifications(ctx, req.UserID, req.Page, req.Size)
}

type BatchRequest struct {
	UserID int64
	IDs    []int64
}

// MarkRead marks the user's notifications read. Ids belonging to another
// user are ignored by the ownership-scoped statement.
func (s *Service) MarkRead(ctx context.Context, req BatchRequest) error {
	if req.UserID <= 0 {
		return errors.New(errors.CodeUnauthenticated)
	}
	if len(req.IDs) == 0 {
		return nil
	}

	return s.storage.MarkNotificationsRead(ctx, req.IDs, req.UserID)
}

// Delete removes the user's notifications, scoped the same way as MarkRead.
func (s *Service) Delete(ctx context.Context, req BatchRequest) error {
	if req.UserID <= 0 {
		return errors.New(errors.CodeUnauthenticated)
	}
	if len(req.IDs) == 0 {
		return nil
	}

	return s.storage.DeleteNotifications(ctx, req.IDs, req.UserID)
}

// RegisterPushTarget records a device token for the user, deduplicated by
// token value.
func (s *Service) RegisterPushTarget(ctx context.Context, userID int64, token string) error {
	if userID <= 0 {
		return errors.New(errors.CodeUnauthenticated)
	}
	if token == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("empty push token"))
	}

	return s.storage.RegisterPushTarget(ctx, userID, token)
}

// ClearPushTargets removes every device token of the user.
func (s *Service) ClearPushTargets(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return errors.New(errors.CodeUnauthenticated)
	}

	return s.storage.ClearPushTargets(ctx, userID)
}
