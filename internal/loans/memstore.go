package loans

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore は Store のインメモリ参照実装。
// 条件付き更新のセマンティクスは MySQL 実装と揃えてある
// （期待状態が一致したときだけ適用、コード衝突は ErrCodeTaken）。
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	byULID map[string]*Loan
	byCode map[string]string // redemption_code -> loan_ulid
}

func NewMemStore() *MemStore {
	return &MemStore{
		byULID: map[string]*Loan{},
		byCode: map[string]string{},
	}
}

func (s *MemStore) Insert(_ context.Context, l *Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	l.LoanID = s.nextID
	cp := *l
	s.byULID[l.LoanULID] = &cp
	return nil
}

func (s *MemStore) GetByULID(_ context.Context, loanULID string) (*Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byULID[loanULID]
	if !ok {
		return nil, ErrNotFound("loan not found")
	}
	cp := *l
	return &cp, nil
}

func (s *MemStore) GetByCode(_ context.Context, code string) (*Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ulid, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound("loan not found")
	}
	cp := *s.byULID[ulid]
	return &cp, nil
}

func (s *MemStore) CountInFlightForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.byULID {
		if l.UserID == userID && l.State.InFlight() {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) MarkApproved(_ context.Context, loanULID, approverID string, notes *string, code string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byCode[code]; taken {
		return false, ErrCodeTaken
	}
	l, ok := s.byULID[loanULID]
	if !ok || l.State != StatePending {
		return false, nil
	}
	l.State = StateApproved
	l.ApproverID.String, l.ApproverID.Valid = approverID, true
	if notes != nil && *notes != "" {
		l.Notes.String, l.Notes.Valid = *notes, true
	}
	l.RedemptionCode.String, l.RedemptionCode.Valid = code, true
	l.ApprovedAt.Time, l.ApprovedAt.Valid = at, true
	s.byCode[code] = loanULID
	return true, nil
}

func (s *MemStore) MarkRejected(_ context.Context, loanULID, approverID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byULID[loanULID]
	if !ok || l.State != StatePending {
		return false, nil
	}
	l.State = StateRejected
	l.ApproverID.String, l.ApproverID.Valid = approverID, true
	l.RejectionReason.String, l.RejectionReason.Valid = reason, true
	return true, nil
}

func (s *MemStore) MarkActive(_ context.Context, loanULID string, pickupAt, dueAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byULID[loanULID]
	if !ok || l.State != StateApproved {
		return false, nil
	}
	l.State = StateActive
	l.PickupAt.Time, l.PickupAt.Valid = pickupAt, true
	l.DueAt.Time, l.DueAt.Valid = dueAt, true
	return true, nil
}

func (s *MemStore) MarkReturned(_ context.Context, loanULID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byULID[loanULID]
	if !ok || (l.State != StateActive && l.State != StateOverdue) {
		return false, nil
	}
	l.State = StateReturned
	l.ReturnedAt.Time, l.ReturnedAt.Valid = at, true
	return true, nil
}

func (s *MemStore) MarkOverdue(_ context.Context, loanULID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byULID[loanULID]
	if !ok || l.State != StateActive || !l.DueAt.Valid || !l.DueAt.Time.Before(now) {
		return false, nil
	}
	l.State = StateOverdue
	return true, nil
}

func (s *MemStore) ListPastDue(_ context.Context, now time.Time) ([]Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Loan
	for _, l := range s.byULID {
		if l.State == StateActive && l.DueAt.Valid && l.DueAt.Time.Before(now) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *MemStore) List(_ context.Context, f Filter, p Page) ([]Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Loan
	for _, l := range s.byULID {
		if f.UserID != nil && l.UserID != *f.UserID {
			continue
		}
		if f.EquipmentULID != nil && l.EquipmentULID != *f.EquipmentULID {
			continue
		}
		if f.State != nil && l.State != *f.State {
			continue
		}
		if f.From != nil && l.RequestedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !l.RequestedAt.Before(*f.To) {
			continue
		}
		out = append(out, *l)
	}

	asc := strings.ToLower(p.Order) == "asc"
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[j].RequestedAt.Before(out[i].RequestedAt)
	})

	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Offset >= len(out) {
		return nil, nil
	}
	end := p.Offset + p.Limit
	if end > len(out) {
		end = len(out)
	}
	return out[p.Offset:end], nil
}
