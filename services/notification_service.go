package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"linkfolioAPI/internal/types/notification"
)

// PushProvider is implemented by internal/notification.FCMService.
type PushProvider interface {
	SendPush(ctx context.Context, tokens []notification.DeviceToken, title, body string, data map[string]any) error
}

// NotificationService records billing notifications and forwards them to the
// user's devices. Push delivery is best-effort and never fails the caller.
type NotificationService struct {
	db   *pgxpool.Pool
	push PushProvider
}

func NewNotificationService(db *pgxpool.Pool) *NotificationService {
	return &NotificationService{db: db}
}

func (s *NotificationService) SetPushProvider(p PushProvider) {
	s.push = p
}

func (s *NotificationService) NotifyPaymentFailed(ctx context.Context, userID string) error {
	return s.notify(ctx, userID, notification.TypePaymentFailed,
		"Payment failed",
		"We couldn't process your last payment. Update your payment method to keep your Pro features.")
}

func (s *NotificationService) NotifySubscriptionCanceled(ctx context.Context, userID string) error {
	return s.notify(ctx, userID, notification.TypeSubscriptionCanceled,
		"Subscription ended",
		"Your Pro subscription has ended. Your page is back on the free plan.")
}

func (s *NotificationService) notify(ctx context.Context, userID, notifType, title, body string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), userID, notifType, title, body)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	if s.push == nil {
		return nil
	}

	tokens, err := s.deviceTokens(ctx, userID)
	if err != nil {
		log.Printf("Error loading device tokens for %s: %v", userID, err)
		return nil
	}
	if err := s.push.SendPush(ctx, tokens, title, body, map[string]any{"type": notifType}); err != nil {
		log.Printf("Error sending push to %s: %v", userID, err)
	}

	return nil
}

func (s *NotificationService) deviceTokens(ctx context.Context, userID string) ([]notification.DeviceToken, error) {
	rows, err := s.db.Query(ctx,
		`SELECT token, platform FROM device_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []notification.DeviceToken
	for rows.Next() {
		var t notification.DeviceToken
		if err := rows.Scan(&t.Token, &t.Platform); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RegisterDevice stores a device token for push delivery, replacing the
// platform if the token was already registered.
func (s *NotificationService) RegisterDevice(ctx context.Context, clerkID, token, platform string) error {
	userID, err := s.userIDByClerkID(ctx, clerkID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO device_tokens (id, user_id, token, platform, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, token) DO UPDATE SET platform = EXCLUDED.platform
	`, uuid.New().String(), userID, token, platform)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *NotificationService) ListNotifications(ctx context.Context, clerkID string) ([]*notification.Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT n.id, n.user_id, n.type, n.title, n.body, n.is_read, n.created_at
		FROM notifications n
		JOIN users u ON u.id = n.user_id
		WHERE u.clerk_id = $1
		ORDER BY n.created_at DESC
		LIMIT 50
	`, clerkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*notification.Notification{}
	for rows.Next() {
		n := &notification.Notification{}
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *NotificationService) userIDByClerkID(ctx context.Context, clerkID string) (string, error) {
	var userID string
	err := s.db.QueryRow(ctx,
		`SELECT id FROM users WHERE clerk_id = $1`, clerkID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	return userID, nil
}
