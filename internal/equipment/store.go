package equipment

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Store は備品カタログと利用可否フラグの永続化を担う。
// TrySetUnavailable / SetAvailable は貸出エンジンが使う予約・解放操作で、
// read-then-write にならないよう条件付きUPDATE一発で実装すること。
type Store interface {
	Get(ctx context.Context, equipmentULID string) (*Equipment, error)
	List(ctx context.Context, f Filter) ([]Equipment, error)
	Insert(ctx context.Context, e *Equipment) error
	Update(ctx context.Context, e *Equipment) error

	// available=1 のときだけ 0 に反転する（CAS）。反転できたら true。
	TrySetUnavailable(ctx context.Context, equipmentULID string) (bool, error)
	SetAvailable(ctx context.Context, equipmentULID string) error
}

// ===== MySQL実装 =====

type mysqlStore struct{ db *sql.DB }

func NewStore(conn *sql.DB) Store { return &mysqlStore{db: conn} }

func (s *mysqlStore) Get(ctx context.Context, equipmentULID string) (*Equipment, error) {
	const q = `
	SELECT equipment_id, equipment_ulid, name, category, available, note, created_at, updated_at
	FROM equipments WHERE equipment_ulid = ?`
	var e Equipment
	err := s.db.QueryRowContext(ctx, q, equipmentULID).Scan(
		&e.EquipmentID, &e.EquipmentULID, &e.Name, &e.Category, &e.Available,
		&e.Note, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("equipment not found")
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *mysqlStore) List(ctx context.Context, f Filter) ([]Equipment, error) {
	sb := strings.Builder{}
	sb.WriteString(`
	SELECT equipment_id, equipment_ulid, name, category, available, note, created_at, updated_at
	FROM equipments WHERE 1=1`)

	args := []any{}
	if f.Category != nil {
		sb.WriteString(` AND category = ?`)
		args = append(args, *f.Category)
	}
	if f.Available != nil {
		sb.WriteString(` AND available = ?`)
		args = append(args, *f.Available)
	}
	sb.WriteString(` ORDER BY name ASC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Equipment
	for rows.Next() {
		var e Equipment
		if err := rows.Scan(
			&e.EquipmentID, &e.EquipmentULID, &e.Name, &e.Category, &e.Available,
			&e.Note, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *mysqlStore) Insert(ctx context.Context, e *Equipment) error {
	const q = `
	INSERT INTO equipments (equipment_ulid, name, category, available, note, created_at, updated_at)
	VALUES (?, ?, ?, 1, ?, NOW(6), NOW(6))`
	res, err := s.db.ExecContext(ctx, q, e.EquipmentULID, e.Name, e.Category, nullStrOrNil(e.Note))
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	e.EquipmentID = id
	e.Available = true
	return nil
}

func (s *mysqlStore) Update(ctx context.Context, e *Equipment) error {
	// available はカタログ編集では更新しない
	const q = `
	UPDATE equipments SET name = ?, category = ?, note = ?, updated_at = NOW(6)
	WHERE equipment_ulid = ?`
	res, err := s.db.ExecContext(ctx, q, e.Name, e.Category, nullStrOrNil(e.Note), e.EquipmentULID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return ErrNotFound("equipment not found")
	}
	return nil
}

func (s *mysqlStore) TrySetUnavailable(ctx context.Context, equipmentULID string) (bool, error) {
	const q = `
	UPDATE equipments SET available = 0, updated_at = NOW(6)
	WHERE equipment_ulid = ? AND available = 1`
	res, err := s.db.ExecContext(ctx, q, equipmentULID)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	if aff == 1 {
		return true, nil
	}

	// 反転できなかった理由を区別する（存在しない or 予約済み）
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM equipments WHERE equipment_ulid = ?`, equipmentULID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound("equipment not found")
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *mysqlStore) SetAvailable(ctx context.Context, equipmentULID string) error {
	const q = `
	UPDATE equipments SET available = 1, updated_at = NOW(6)
	WHERE equipment_ulid = ?`
	res, err := s.db.ExecContext(ctx, q, equipmentULID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return ErrNotFound("equipment not found")
	}
	return nil
}

func nullStrOrNil(ns sql.NullString) any {
	if ns.Valid {
		return ns.String
	}
	return nil
}
