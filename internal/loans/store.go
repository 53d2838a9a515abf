package loans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysql "github.com/go-sql-driver/mysql"

	"LEMS-backend/internal/equipment"
	"LEMS-backend/internal/platform/db"
)

// 引換コードのUNIQUE制約に弾かれたとき（=衝突）。呼び出し側で再生成する。
var ErrCodeTaken = errors.New("redemption code already taken")

// Store は貸出レコードの永続化契約。
// Mark系は条件付き更新で、現在の状態が期待どおりのときだけ適用される（lost update防止）。
// 適用されたら true。レコード自体が無い場合も false を返す。
type Store interface {
	Insert(ctx context.Context, l *Loan) error
	GetByULID(ctx context.Context, loanULID string) (*Loan, error)
	GetByCode(ctx context.Context, code string) (*Loan, error)
	CountInFlightForUser(ctx context.Context, userID string) (int, error)

	MarkApproved(ctx context.Context, loanULID, approverID string, notes *string, code string, at time.Time) (bool, error)
	MarkRejected(ctx context.Context, loanULID, approverID, reason string) (bool, error)
	MarkActive(ctx context.Context, loanULID string, pickupAt, dueAt time.Time) (bool, error)
	MarkReturned(ctx context.Context, loanULID string, at time.Time) (bool, error)
	MarkOverdue(ctx context.Context, loanULID string, now time.Time) (bool, error)

	ListPastDue(ctx context.Context, now time.Time) ([]Loan, error)
	List(ctx context.Context, f Filter, p Page) ([]Loan, error)
}

// EquipmentStore はエンジンが必要とする備品側の操作だけを切り出したもの。
// equipment.Store（MySQL実装・インメモリ実装とも）がこれを満たす。
type EquipmentStore interface {
	Get(ctx context.Context, equipmentULID string) (*equipment.Equipment, error)
	TrySetUnavailable(ctx context.Context, equipmentULID string) (bool, error)
	SetAvailable(ctx context.Context, equipmentULID string) error
}

// ===== MySQL実装 =====

type mysqlStore struct{ db *sql.DB }

func NewStore(conn *sql.DB) Store { return &mysqlStore{db: conn} }

const loanColumns = `
	loan_id, loan_ulid, user_id, equipment_ulid, duration_days, purpose_category, purpose,
	state, requested_at, approved_at, pickup_at, due_at, returned_at,
	redemption_code, rejection_reason, approver_id, notes`

func scanLoan(row interface{ Scan(...any) error }) (*Loan, error) {
	var l Loan
	err := row.Scan(
		&l.LoanID, &l.LoanULID, &l.UserID, &l.EquipmentULID, &l.DurationDays,
		&l.PurposeCategory, &l.Purpose, &l.State, &l.RequestedAt,
		&l.ApprovedAt, &l.PickupAt, &l.DueAt, &l.ReturnedAt,
		&l.RedemptionCode, &l.RejectionReason, &l.ApproverID, &l.Notes,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *mysqlStore) Insert(ctx context.Context, l *Loan) error {
	const q = `
	INSERT INTO loans
	(loan_ulid, user_id, equipment_ulid, duration_days, purpose_category, purpose, state, requested_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		l.LoanULID, l.UserID, l.EquipmentULID, l.DurationDays,
		l.PurposeCategory, l.Purpose, string(l.State), l.RequestedAt,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	l.LoanID = id
	return nil
}

func (s *mysqlStore) GetByULID(ctx context.Context, loanULID string) (*Loan, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE loan_ulid = ?`
	l, err := scanLoan(s.db.QueryRowContext(ctx, q, loanULID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("loan not found")
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *mysqlStore) GetByCode(ctx context.Context, code string) (*Loan, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE redemption_code = ?`
	l, err := scanLoan(s.db.QueryRowContext(ctx, q, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("loan not found")
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *mysqlStore) CountInFlightForUser(ctx context.Context, userID string) (int, error) {
	const q = `
	SELECT COUNT(*) FROM loans
	WHERE user_id = ? AND state IN ('pending', 'approved', 'active')`
	var n int
	if err := s.db.QueryRowContext(ctx, q, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *mysqlStore) MarkApproved(ctx context.Context, loanULID, approverID string, notes *string, code string, at time.Time) (bool, error) {
	// redemption_code には UNIQUE インデックスがある。
	// 衝突は 1062 で返ってくるので ErrCodeTaken に読み替える。
	const q = `
	UPDATE loans
	SET state = 'approved', approver_id = ?, notes = ?, redemption_code = ?, approved_at = ?
	WHERE loan_ulid = ? AND state = 'pending'`
	res, err := s.db.ExecContext(ctx, q, approverID, notesOrNil(notes), code, at, loanULID)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return false, ErrCodeTaken
		}
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (s *mysqlStore) MarkRejected(ctx context.Context, loanULID, approverID, reason string) (bool, error) {
	const q = `
	UPDATE loans
	SET state = 'rejected', approver_id = ?, rejection_reason = ?
	WHERE loan_ulid = ? AND state = 'pending'`
	res, err := s.db.ExecContext(ctx, q, approverID, reason, loanULID)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (s *mysqlStore) MarkActive(ctx context.Context, loanULID string, pickupAt, dueAt time.Time) (bool, error) {
	const q = `
	UPDATE loans
	SET state = 'active', pickup_at = ?, due_at = ?
	WHERE loan_ulid = ? AND state = 'approved'`
	res, err := s.db.ExecContext(ctx, q, pickupAt, dueAt, loanULID)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (s *mysqlStore) MarkReturned(ctx context.Context, loanULID string, at time.Time) (bool, error) {
	const q = `
	UPDATE loans
	SET state = 'returned', returned_at = ?
	WHERE loan_ulid = ? AND state IN ('active', 'overdue')`
	res, err := s.db.ExecContext(ctx, q, at, loanULID)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (s *mysqlStore) MarkOverdue(ctx context.Context, loanULID string, now time.Time) (bool, error) {
	// due_at の再チェック込み。並行スイープは片方だけが aff=1 になる。
	const q = `
	UPDATE loans
	SET state = 'overdue'
	WHERE loan_ulid = ? AND state = 'active' AND due_at < ?`
	res, err := s.db.ExecContext(ctx, q, loanULID, now)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (s *mysqlStore) ListPastDue(ctx context.Context, now time.Time) ([]Loan, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE state = 'active' AND due_at < ?`
	rows, err := s.db.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLoans(rows)
}

func (s *mysqlStore) List(ctx context.Context, f Filter, p Page) ([]Loan, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT ` + loanColumns + ` FROM loans WHERE 1=1`)

	args := []any{}
	if f.UserID != nil {
		sb.WriteString(` AND user_id = ?`)
		args = append(args, *f.UserID)
	}
	if f.EquipmentULID != nil {
		sb.WriteString(` AND equipment_ulid = ?`)
		args = append(args, *f.EquipmentULID)
	}
	if f.State != nil {
		sb.WriteString(` AND state = ?`)
		args = append(args, string(*f.State))
	}
	if f.From != nil {
		sb.WriteString(` AND requested_at >= ?`)
		args = append(args, *f.From)
	}
	if f.To != nil {
		sb.WriteString(` AND requested_at < ?`)
		args = append(args, *f.To)
	}

	order := "DESC"
	if strings.ToLower(p.Order) == "asc" {
		order = "ASC"
	}
	sb.WriteString(fmt.Sprintf(` ORDER BY requested_at %s`, order))

	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	sb.WriteString(` LIMIT ? OFFSET ?`)
	args = append(args, p.Limit, p.Offset)

	// エクスポートがページングで何度も呼ぶので読み取り専用Txで流す
	var out []Loan
	err := db.ReadOnly(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		rows, err := tx.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectLoans(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func collectLoans(rows *sql.Rows) ([]Loan, error) {
	var out []Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func notesOrNil(p *string) any {
	if p == nil || *p == "" {
		return nil
	}
	return *p
}
