package loans

import "time"

// 貸出申請リクエスト。user_id はJWTのsubから入るのでボディには持たせない。
type SubmitLoanRequest struct {
	UserID          string `json:"-"`
	EquipmentULID   string `json:"equipment_ulid" binding:"required"`
	DurationDays    int    `json:"duration_days" binding:"required"`
	PurposeCategory string `json:"purpose_category" binding:"required"`
	Purpose         string `json:"purpose" binding:"required"`
}

type ApproveLoanRequest struct {
	Notes *string `json:"notes,omitempty"`
}

type RejectLoanRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// QR端末からの引き換えリクエスト
type RedeemRequest struct {
	Code string `json:"code" binding:"required"`
}

type LoanResponse struct {
	LoanULID        string     `json:"loan_ulid"`
	UserID          string     `json:"user_id"`
	EquipmentULID   string     `json:"equipment_ulid"`
	DurationDays    int        `json:"duration_days"`
	PurposeCategory string     `json:"purpose_category"`
	Purpose         string     `json:"purpose"`
	State           State      `json:"state"`
	RequestedAt     time.Time  `json:"requested_at"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	PickupAt        *time.Time `json:"pickup_at,omitempty"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	ReturnedAt      *time.Time `json:"returned_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	ApproverID      *string    `json:"approver_id,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	// redemption_code はレスポンスに含めない（承認APIの戻り値と通知でのみ渡す）
}

func toDTO(l *Loan) LoanResponse {
	resp := LoanResponse{
		LoanULID:        l.LoanULID,
		UserID:          l.UserID,
		EquipmentULID:   l.EquipmentULID,
		DurationDays:    l.DurationDays,
		PurposeCategory: l.PurposeCategory,
		Purpose:         l.Purpose,
		State:           l.State,
		RequestedAt:     l.RequestedAt,
	}
	if l.ApprovedAt.Valid {
		val := l.ApprovedAt.Time
		resp.ApprovedAt = &val
	}
	if l.PickupAt.Valid {
		val := l.PickupAt.Time
		resp.PickupAt = &val
	}
	if l.DueAt.Valid {
		val := l.DueAt.Time
		resp.DueAt = &val
	}
	if l.ReturnedAt.Valid {
		val := l.ReturnedAt.Time
		resp.ReturnedAt = &val
	}
	if l.RejectionReason.Valid {
		val := l.RejectionReason.String
		resp.RejectionReason = &val
	}
	if l.ApproverID.Valid {
		val := l.ApproverID.String
		resp.ApproverID = &val
	}
	if l.Notes.Valid {
		val := l.Notes.String
		resp.Notes = &val
	}
	return resp
}
