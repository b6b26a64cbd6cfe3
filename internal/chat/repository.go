package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists messages and answers group membership queries. It is
// the Session's MessageStore and the admission path's membership oracle.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, groupID, userID, content string) (string, time.Time, error) {
	id := uuid.NewString()
	var createdAt time.Time
	query := `INSERT INTO messages (id, group_id, sender_id, content)
              VALUES ($1, $2, $3, $4) RETURNING created_at`

	if err := r.db.QueryRowContext(ctx, query, id, groupID, userID, content).Scan(&createdAt); err != nil {
		return "", time.Time{}, fmt.Errorf("save message: %w", err)
	}
	return id, createdAt, nil
}

func (r *Repository) ListMessages(ctx context.Context, groupID string, before time.Time, limit int) ([]*Message, error) {
	query := `
		SELECT m.id, m.group_id, m.sender_id, u.display_name, m.content, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.group_id = $1 AND m.created_at < $2
		ORDER BY m.created_at DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, groupID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.GroupID, &msg.UserID, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *Repository) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var member bool
	query := `SELECT EXISTS (
        SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2
    )`
	if err := r.db.QueryRowContext(ctx, query, groupID, userID).Scan(&member); err != nil {
		return false, fmt.Errorf("membership check: %w", err)
	}
	return member, nil
}

// CreateGroup inserts the group and enrolls its creator in one transaction.
func (r *Repository) CreateGroup(ctx context.Context, name, creatorID string) (*Group, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	group := &Group{ID: uuid.NewString(), Name: name, CreatedBy: creatorID}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO groups (id, name, created_by) VALUES ($1, $2, $3) RETURNING created_at`,
		group.ID, group.Name, group.CreatedBy,
	).Scan(&group.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)`,
		group.ID, creatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("enroll creator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return group, nil
}

// AddMember is idempotent: joining a group twice is a no-op.
func (r *Repository) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
         ON CONFLICT DO NOTHING`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}
