// 貸出ステータス確定時のユーザー通知。
// 配送（push送信・端末トークン管理）はゲートウェイ側の責務で、
// ここからは fire-and-forget でイベントを流すだけ。
package notify

import (
	"context"
	"log"
	"time"
)

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeOverdue  Outcome = "overdue"
)

// LoanEvent は通知ゲートウェイに渡すペイロード
type LoanEvent struct {
	LoanULID       string     `json:"loan_ulid"`
	UserID         string     `json:"user_id"`
	EquipmentID    string     `json:"equipment_id"`
	EquipmentName  string     `json:"equipment_name,omitempty"`
	Outcome        Outcome    `json:"outcome"`
	RedemptionCode string     `json:"redemption_code,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
}

// Dispatcher の失敗は呼び出し側でログに落として握りつぶすこと。
// 状態遷移の成否に影響させてはいけない。
type Dispatcher interface {
	LoanResolved(ctx context.Context, ev LoanEvent) error
}

// ===== ログ出力のみの実装（開発用・フォールバック） =====

type logDispatcher struct{}

func NewLogDispatcher() Dispatcher { return logDispatcher{} }

func (logDispatcher) LoanResolved(_ context.Context, ev LoanEvent) error {
	log.Printf("[INFO] notify: loan=%s user=%s outcome=%s", ev.LoanULID, ev.UserID, ev.Outcome)
	return nil
}
