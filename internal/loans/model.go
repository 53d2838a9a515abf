package loans

import (
	"database/sql"
	"time"
)

// 貸出状態。
// pending → approved → active → returned が正常系。
// pending → rejected、active → overdue（スイープ起点）、overdue → returned。
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateActive   State = "active"
	StateOverdue  State = "overdue"
	StateReturned State = "returned"
	StateRejected State = "rejected"
)

// InFlight: 貸出上限のカウント対象（pending / approved / active）。
// overdue は物が出たままなので備品の予約は保持するが、上限カウントには含めない。
func (s State) InFlight() bool {
	return s == StatePending || s == StateApproved || s == StateActive
}

// Terminal: これ以上遷移しない状態
func (s State) Terminal() bool {
	return s == StateReturned || s == StateRejected
}

// Loan は loans テーブルの1行を表す。物理削除はしない（履歴＝監査ログ）。
type Loan struct {
	LoanID          int64
	LoanULID        string
	UserID          string
	EquipmentULID   string
	DurationDays    int
	PurposeCategory string
	Purpose         string
	State           State
	RequestedAt     time.Time
	ApprovedAt      sql.NullTime
	PickupAt        sql.NullTime
	DueAt           sql.NullTime
	ReturnedAt      sql.NullTime
	RedemptionCode  sql.NullString
	RejectionReason sql.NullString
	ApproverID      sql.NullString
	Notes           sql.NullString
}

// 一覧取得用の検索条件
type Filter struct {
	UserID        *string
	EquipmentULID *string
	State         *State
	From          *time.Time
	To            *time.Time
}

type Page struct {
	Limit  int
	Offset int
	Order  string
}
