package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateID reports a document-id uniqueness violation. The caller is
// expected to rederive the id and retry the whole persistence operation.
var ErrDuplicateID = errors.New("duplicate document id")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, template_code, template_version_id, title, status, descriptor_json, comp_cd, department_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.TemplateCode, item.TemplateVersionID, item.Title, item.Status, item.DescriptorJSON, item.CompCd, item.DepartmentID, item.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_code, template_version_id, title, status, descriptor_json, comp_cd, department_id, created_by, created_at
		FROM documents
		WHERE id=$1
	`, docID).Scan(
		&item.ID,
		&item.TemplateCode,
		&item.TemplateVersionID,
		&item.Title,
		&item.Status,
		&item.DescriptorJSON,
		&item.CompCd,
		&item.DepartmentID,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

// ReplaceSteps reconciles the persisted chain for a document by deleting every
// existing step and reinserting the given set, inside one transaction with the
// document row locked so an in-flight approval cannot race the resync.
func (s *PostgresStore) ReplaceSteps(ctx context.Context, docID string, steps []ApprovalStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace steps: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE id=$1 FOR UPDATE`, docID).Scan(&locked); err != nil {
		return fmt.Errorf("lock document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_steps WHERE doc_id=$1`, docID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_steps (doc_id, step_order, role_key, approver_value, user_id, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, docID, step.StepOrder, step.RoleKey, step.ApproverValue, step.UserID, step.Status); err != nil {
			return fmt.Errorf("insert step %d: %w", step.StepOrder, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace steps: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, docID string) ([]ApprovalStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, step_order, role_key, approver_value, user_id, status, action, actor_name, acted_at
		FROM approval_steps
		WHERE doc_id=$1
		ORDER BY step_order
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalStep, 0)
	for rows.Next() {
		var item ApprovalStep
		if err := rows.Scan(&item.DocID, &item.StepOrder, &item.RoleKey, &item.ApproverValue, &item.UserID, &item.Status, &item.Action, &item.ActorName, &item.ActedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, docID string, stepOrder int) (ApprovalStep, error) {
	var item ApprovalStep
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, step_order, role_key, approver_value, user_id, status, action, actor_name, acted_at
		FROM approval_steps
		WHERE doc_id=$1 AND step_order=$2
	`, docID, stepOrder).Scan(&item.DocID, &item.StepOrder, &item.RoleKey, &item.ApproverValue, &item.UserID, &item.Status, &item.Action, &item.ActorName, &item.ActedAt)
	if err != nil {
		return ApprovalStep{}, err
	}
	return item, nil
}

func (s *PostgresStore) SetStepUser(ctx context.Context, docID string, stepOrder int, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_steps SET user_id=$3 WHERE doc_id=$1 AND step_order=$2 AND user_id IS NULL
	`, docID, stepOrder, userID)
	if err != nil {
		return fmt.Errorf("set step user: %w", err)
	}
	return nil
}

// ApplyTransition performs one approval action atomically: the current step
// and the document status change together or not at all. The document row is
// locked first, which serializes concurrent actors on the same document; a
// loser observes a stale fromStatus or an already-acted step and gets
// (false, nil) with zero mutation.
func (s *PostgresStore) ApplyTransition(ctx context.Context, docID string, stepOrder int, stepStatus, action, actorName, fromStatus, toStatus string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id=$1 FOR UPDATE`, docID).Scan(&current); err != nil {
		return false, fmt.Errorf("lock document: %w", err)
	}
	if current != fromStatus {
		return false, nil
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE approval_steps
		SET status=$3, action=$4, actor_name=$5, acted_at=NOW()
		WHERE doc_id=$1 AND step_order=$2 AND status='Pending'
	`, docID, stepOrder, stepStatus, action, actorName)
	if err != nil {
		return false, fmt.Errorf("update step: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("step rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status=$2 WHERE id=$1`, docID, toStatus); err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}

// RecallDocument terminates a pending document. Pending steps keep their
// status and only gain a Recalled action marker so step history shows where
// the recall occurred.
func (s *PostgresStore) RecallDocument(ctx context.Context, docID, fromStatus string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin recall: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id=$1 FOR UPDATE`, docID).Scan(&current); err != nil {
		return false, fmt.Errorf("lock document: %w", err)
	}
	if current != fromStatus {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status='Recalled' WHERE id=$1`, docID); err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE approval_steps SET action='Recalled' WHERE doc_id=$1 AND status='Pending'
	`, docID); err != nil {
		return false, fmt.Errorf("mark recalled steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit recall: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(username, ''), COALESCE(email, ''), created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Username, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindUserByToken resolves an opaque identity token: an email, a username, or
// an already-resolved user id.
func (s *PostgresStore) FindUserByToken(ctx context.Context, token string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(username, ''), COALESCE(email, ''), created_at
		FROM users
		WHERE id=$1 OR LOWER(email)=LOWER($1) OR LOWER(username)=LOWER($1)
		LIMIT 1
	`, token).Scan(&user.ID, &user.DisplayName, &user.Username, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) EmailForUser(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(email, '') FROM users WHERE id=$1`, userID).Scan(&email)
	if err != nil {
		return "", fmt.Errorf("email for user: %w", err)
	}
	return email, nil
}

// PendingStepCountForUser counts the steps currently waiting on a user, i.e.
// pending steps of documents whose status points at that very step.
func (s *PostgresStore) PendingStepCountForUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM approval_steps s
		JOIN documents d ON d.id = s.doc_id
		WHERE s.user_id=$1 AND s.status='Pending' AND d.status = 'Pending' || s.role_key
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending step count: %w", err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
