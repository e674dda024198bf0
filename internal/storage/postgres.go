// Package storage implements the durable-storage interfaces the core
// consumes, backed by Postgres through pgx.
package storage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/bimillog/internal/domain"
	"github.com/victornm/bimillog/internal/errors"
)

const codeUniqueViolation = "23505"

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// AddInteraction records one durable interaction row. The (subject, kind,
// actor) triple is unique for likes, so a double-like maps to AlreadyExists.
func (p *Postgres) AddInteraction(ctx context.Context, subjectID int64, kind string, actorID int64) error {
	const stmt = `
INSERT INTO interactions (subject_id, kind, actor_id, create_time)
VALUES ($1, $2, $3, $4);`

	_, err := p.db.Exec(ctx, stmt, subjectID, kind, actorID, time.Now())

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}

	return err
}

// RemoveInteraction deletes the matching row; used by unlike, which only
// decrements the durable count and never touches the live score.
func (p *Postgres) RemoveInteraction(ctx context.Context, subjectID int64, kind string, actorID int64) error {
	const stmt = `
DELETE FROM interactions WHERE subject_id = $1 AND kind = $2 AND actor_id = $3;`

	_, err := p.db.Exec(ctx, stmt, subjectID, kind, actorID)
	return err
}

func (p *Postgres) InteractionCounts(ctx context.Context, from, to time.Time) ([]domain.SubjectCount, error) {
	const stmt = `
SELECT subject_id, COUNT(*) AS cnt, MIN(create_time) AS first_time
FROM interactions
WHERE create_time >= $1 AND create_time < $2
GROUP BY subject_id
ORDER BY cnt DESC, subject_id ASC;`

	rows, err := p.db.Query(ctx, stmt, from, to)
	if err != nil {
		return nil, err
	}

	return collectCounts(rows)
}

func (p *Postgres) AllTimeCounts(ctx context.Context) ([]domain.SubjectCount, error) {
	const stmt = `
SELECT subject_id, COUNT(*) AS cnt, MIN(create_time) AS first_time
FROM interactions
GROUP BY subject_id
ORDER BY cnt DESC, subject_id ASC;`

	rows, err := p.db.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}

	return collectCounts(rows)
}

func collectCounts(rows pgx.Rows) ([]domain.SubjectCount, error) {
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.SubjectCount, error) {
		var c domain.SubjectCount
		if err := r.Scan(&c.SubjectID, &c.Count, &c.CreateTime); err != nil {
			return domain.SubjectCount{}, err
		}
		return c, nil
	})
}

func (p *Postgres) FlaggedNotices(ctx context.Context) ([]int64, error) {
	const stmt = `
SELECT subject_id FROM notices ORDER BY create_time DESC;`

	rows, err := p.db.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (int64, error) {
		var id int64
		err := r.Scan(&id)
		return id, err
	})
}

func (p *Postgres) SubjectOwners(ctx context.Context, subjectIDs []int64) (map[int64]int64, error) {
	const stmt = `
SELECT subject_id, owner_id FROM subjects WHERE subject_id = ANY($1);`

	rows, err := p.db.Query(ctx, stmt, subjectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owners := make(map[int64]int64)
	for rows.Next() {
		var subject, owner int64
		if err := rows.Scan(&subject, &owner); err != nil {
			return nil, err
		}
		owners[subject] = owner
	}

	return owners, rows.Err()
}

func (p *Postgres) InsertNotification(ctx context.Context, n *domain.Notification) (int64, error) {
	const stmt = `
INSERT INTO notifications (recipient_id, type, message, target_url, read, create_time)
VALUES ($1, $2, $3, $4, FALSE, $5)
RETURNING id;`

	var id int64
	err := p.db.QueryRow(ctx, stmt, n.RecipientID, n.Type, n.Message, n.TargetURL, n.CreateTime).Scan(&id)
	if err != nil {
		return 0, err
	}

	return id, nil
}

func (p *Postgres) ListNotifications(ctx context.Context, userID int64, page, size int) ([]domain.Notification, error) {
	const stmt = `
SELECT id, recipient_id, type, message, target_url, read, create_time
FROM notifications
WHERE recipient_id = $1
ORDER BY create_time DESC, id DESC
LIMIT $2 OFFSET $3;`

	rows, err := p.db.Query(ctx, stmt, userID, size, page*size)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Notification, error) {
		var n domain.Notification
		err := r.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Message, &n.TargetURL, &n.Read, &n.CreateTime)
		return n, err
	})
}

// MarkNotificationsRead updates only rows owned by userID; foreign ids in
// the batch simply match nothing.
func (p *Postgres) MarkNotificationsRead(ctx context.Context, ids []int64, userID int64) error {
	const stmt = `
UPDATE notifications SET read = TRUE WHERE id = ANY($1) AND recipient_id = $2;`

	_, err := p.db.Exec(ctx, stmt, ids, userID)
	return err
}

func (p *Postgres) DeleteNotifications(ctx context.Context, ids []int64, userID int64) error {
	const stmt = `
DELETE FROM notifications WHERE id = ANY($1) AND recipient_id = $2;`

	_, err := p.db.Exec(ctx, stmt, ids, userID)
	return err
}

func (p *Postgres) DeleteAllNotifications(ctx context.Context, userID int64) error {
	const stmt = `
DELETE FROM notifications WHERE recipient_id = $1;`

	_, err := p.db.Exec(ctx, stmt, userID)
	return err
}

// RegisterPushTarget dedups by token: re-registering a token moves it to its
// latest user.
func (p *Postgres) RegisterPushTarget(ctx context.Context, userID int64, token string) error {
	const stmt = `
INSERT INTO push_targets (user_id, token, create_time)
VALUES ($1, $2, $3)
ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id;`

	_, err := p.db.Exec(ctx, stmt, userID, token, time.Now())
	return err
}

func (p *Postgres) PushTokens(ctx context.Context, userID int64) ([]string, error) {
	const stmt = `
SELECT token FROM push_targets WHERE user_id = $1;`

	rows, err := p.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (string, error) {
		var t string
		err := r.Scan(&t)
		return t, err
	})
}

func (p *Postgres) DeletePushToken(ctx context.Context, token string) error {
	const stmt = `
DELETE FROM push_targets WHERE token = $1;`

	_, err := p.db.Exec(ctx, stmt, token)
	return err
}

func (p *Postgres) ClearPushTargets(ctx context.Context, userID int64) error {
	const stmt = `
DELETE FROM push_targets WHERE user_id = $1;`

	_, err := p.db.Exec(ctx, stmt, userID)
	return err
}
