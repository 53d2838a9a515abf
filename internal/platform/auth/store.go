package auth

import (
	"context"
	"database/sql"
	"errors"

	"LEMS-backend/internal/platform/db"
)

type Account struct {
	ID           string
	DisplayName  string
	PasswordHash string
	Role         string // "user" | "admin"
	IsDisabled   bool
	CreatedAt    string
}

type AccountStore interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, a *Account) error
	Delete(ctx context.Context, id string) (int64, error)
}

type Store struct{ conn *sql.DB }

func NewStore(conn *sql.DB) AccountStore {
	return &Store{conn: conn}
}

func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	const q = `
SELECT account_id, display_name, password_hash, role, is_disabled, created_at
FROM accounts
WHERE account_id = ?
LIMIT 1
`
	var a Account
	var isDisabledInt int
	err := s.conn.QueryRowContext(ctx, q, id).Scan(
		&a.ID,
		&a.DisplayName,
		&a.PasswordHash,
		&a.Role,
		&isDisabledInt,
		&a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if isDisabledInt != 0 {
		a.IsDisabled = true
	}
	return &a, nil
}

// 存在チェックとINSERTを同一Txで行う。既存なら ErrAlreadyExists。
func (s *Store) Create(ctx context.Context, a *Account) error {
	return db.RunInTx(ctx, s.conn, nil, func(ctx context.Context, tx db.DBTX) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM accounts WHERE account_id = ? FOR UPDATE`, a.ID).Scan(&one)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		const q = `
INSERT INTO accounts (account_id, display_name, password_hash, role, is_disabled, created_at)
VALUES (?, ?, ?, ?, 0, NOW(6))
`
		_, err = tx.ExecContext(ctx, q, a.ID, a.DisplayName, a.PasswordHash, a.Role)
		return err
	})
}

func (s *Store) Delete(ctx context.Context, id string) (int64, error) {
	const q = `DELETE FROM accounts WHERE account_id = ?`
	res, err := s.conn.ExecContext(ctx, q, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
