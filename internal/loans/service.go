package loans

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	ulid "github.com/oklog/ulid/v2"

	"LEMS-backend/internal/equipment"
	"LEMS-backend/internal/platform/notify"
)

// ===== ドメイン定数 =====

const (
	// 1ユーザーが同時に持てる未完了貸出（pending/approved/active）の上限
	MaxInFlightPerUser = 3

	MinDurationDays = 1
	MaxDurationDays = 30

	// purpose_category=other のときの目的欄の文字数制限
	MinPurposeRunes = 10
	MaxPurposeRunes = 100
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface {
	NewULID(t time.Time) string
}

type ulidGen struct{}

func (ulidGen) NewULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ===== Service本体（貸出ライフサイクルエンジン） =====

// Service は貸出レコードの状態遷移を一手に引き受ける。
// 事前条件はすべて書き込み前に検査し、違反は型付きエラーで返す（状態は変えない）。
// 通知の失敗はログに落として握りつぶす：遷移の成否とは無関係。
type Service struct {
	store      Store
	equip      EquipmentStore
	dispatcher notify.Dispatcher
	clock      Clock
	id         IDGen

	// 上限チェック（count→insert）が同一ユーザーで競合しないように直列化する
	userMu keyedMutex
}

func NewService(store Store, equip EquipmentStore, dispatcher notify.Dispatcher) *Service {
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher()
	}
	return &Service{
		store:      store,
		equip:      equip,
		dispatcher: dispatcher,
		clock:      realClock{},
		id:         ulidGen{},
	}
}

// ===== 操作 =====

// 貸出申請。成功すると備品を押さえて pending レコードを作る。
// 申請時点では通知しない（通知は承認/却下の確定時のみ）。
func (s *Service) SubmitRequest(ctx context.Context, in SubmitLoanRequest) (*LoanResponse, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, ErrInvalid("user_id is required")
	}
	if strings.TrimSpace(in.EquipmentULID) == "" {
		return nil, ErrInvalid("equipment_ulid is required")
	}
	if in.DurationDays < MinDurationDays || in.DurationDays > MaxDurationDays {
		return nil, ErrInvalid("duration_days must be between 1 and 30")
	}
	if err := validatePurpose(in.PurposeCategory, in.Purpose); err != nil {
		return nil, err
	}

	// 同一ユーザーの並行申請を直列化（上限すり抜け防止）
	mu := s.userMu.get(in.UserID)
	mu.Lock()
	defer mu.Unlock()

	n, err := s.store.CountInFlightForUser(ctx, in.UserID)
	if err != nil {
		return nil, ErrStoreUnavailable(err)
	}
	if n >= MaxInFlightPerUser {
		return nil, ErrLoanCapExceeded(in.UserID)
	}

	// 可否チェックと予約は条件付きUPDATE一発（ここが主要な競合点）
	ok, err := s.equip.TrySetUnavailable(ctx, in.EquipmentULID)
	if err != nil {
		return nil, mapEquipErr(err)
	}
	if !ok {
		return nil, ErrEquipmentUnavailable(in.EquipmentULID)
	}

	now := s.clock.Now()
	l := &Loan{
		LoanULID:        s.id.NewULID(now),
		UserID:          in.UserID,
		EquipmentULID:   in.EquipmentULID,
		DurationDays:    in.DurationDays,
		PurposeCategory: in.PurposeCategory,
		Purpose:         strings.TrimSpace(in.Purpose),
		State:           StatePending,
		RequestedAt:     now,
	}

	if err := s.store.Insert(ctx, l); err != nil {
		// 予約の巻き戻し。これも失敗したら要手動リカバリなのでERRORで残す。
		if relErr := s.equip.SetAvailable(ctx, in.EquipmentULID); relErr != nil {
			log.Printf("[ERROR] loans: failed to release equipment %s after insert failure: %v", in.EquipmentULID, relErr)
		}
		return nil, ErrStoreUnavailable(err)
	}

	resp := toDTO(l)
	return &resp, nil
}

// 承認。引換コードを発行して approved に遷移し、ユーザーへ通知する。
// 備品は申請時に押さえ済みなので触らない。
func (s *Service) ApproveRequest(ctx context.Context, loanULID, approverID string, notes *string) (string, error) {
	if strings.TrimSpace(approverID) == "" {
		return "", ErrInvalid("approver_id is required")
	}

	l, err := s.store.GetByULID(ctx, loanULID)
	if err != nil {
		return "", err
	}
	if l.State != StatePending {
		return "", ErrInvalidState("cannot approve a loan in state " + string(l.State))
	}

	now := s.clock.Now()
	var code string
	for attempt := 0; ; attempt++ {
		if attempt >= maxCodeAttempts {
			return "", ErrGenerationFailed()
		}
		code = newRedemptionCode(loanULID, now)
		applied, err := s.store.MarkApproved(ctx, loanULID, approverID, notes, code, now)
		if errors.Is(err, ErrCodeTaken) {
			continue // 新しい乱数でやり直し
		}
		if err != nil {
			return "", ErrStoreUnavailable(err)
		}
		if !applied {
			// 並行して状態が変わった
			return "", ErrInvalidState("loan is no longer pending")
		}
		break
	}

	s.notifyResolved(ctx, l, notify.LoanEvent{
		Outcome:        notify.OutcomeApproved,
		RedemptionCode: code,
	})
	return code, nil
}

// 却下。rejected に遷移して備品を解放する。
// この解放が申請時予約の補償処理なので、絶対に省略しないこと。
func (s *Service) RejectRequest(ctx context.Context, loanULID, approverID, reason string) error {
	if strings.TrimSpace(approverID) == "" {
		return ErrInvalid("approver_id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return ErrInvalid("reason is required")
	}

	l, err := s.store.GetByULID(ctx, loanULID)
	if err != nil {
		return err
	}
	if l.State != StatePending {
		return ErrInvalidState("cannot reject a loan in state " + string(l.State))
	}

	applied, err := s.store.MarkRejected(ctx, loanULID, approverID, strings.TrimSpace(reason))
	if err != nil {
		return ErrStoreUnavailable(err)
	}
	if !applied {
		return ErrInvalidState("loan is no longer pending")
	}

	if err := s.equip.SetAvailable(ctx, l.EquipmentULID); err != nil {
		// 遷移自体は確定済み。解放失敗は手動リカバリ対象として記録する。
		log.Printf("[ERROR] loans: loan %s rejected but equipment %s not released: %v", loanULID, l.EquipmentULID, err)
	}

	s.notifyResolved(ctx, l, notify.LoanEvent{
		Outcome: notify.OutcomeRejected,
		Reason:  reason,
	})
	return nil
}

// 受け渡し（QRスキャン）。approved の貸出だけがコードで引き換えられる。
// 未知のコードも消費済みコードも同じエラーにする（探りを入れさせない）。
func (s *Service) RedeemAtPickup(ctx context.Context, code string) (*LoanResponse, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrInvalid("code is required")
	}

	l, err := s.store.GetByCode(ctx, code)
	if err != nil {
		var api *APIError
		if errors.As(err, &api) && api.Code == CodeNotFound {
			return nil, ErrInvalidCode()
		}
		return nil, ErrStoreUnavailable(err)
	}
	if l.State != StateApproved {
		return nil, ErrInvalidCode()
	}

	pickupAt := s.clock.Now()
	dueAt := pickupAt.Add(time.Duration(l.DurationDays) * 24 * time.Hour)

	applied, err := s.store.MarkActive(ctx, l.LoanULID, pickupAt, dueAt)
	if err != nil {
		return nil, ErrStoreUnavailable(err)
	}
	if !applied {
		return nil, ErrInvalidCode()
	}

	updated, err := s.store.GetByULID(ctx, l.LoanULID)
	if err != nil {
		return nil, err
	}
	resp := toDTO(updated)
	return &resp, nil
}

// 返却確定。active / overdue から returned に遷移して備品を解放する。
// 二重スキャン検知のため、返却済みへの再実行は ALREADY_RETURNED で失敗させる。
func (s *Service) ConfirmReturn(ctx context.Context, loanULIDOrCode string) error {
	if strings.TrimSpace(loanULIDOrCode) == "" {
		return ErrInvalid("loan id or code is required")
	}

	l, err := s.resolve(ctx, loanULIDOrCode)
	if err != nil {
		return err
	}
	if l.State == StateReturned {
		return ErrAlreadyReturned(l.LoanULID)
	}
	if l.State != StateActive && l.State != StateOverdue {
		return ErrInvalidState("cannot return a loan in state " + string(l.State))
	}

	applied, err := s.store.MarkReturned(ctx, l.LoanULID, s.clock.Now())
	if err != nil {
		return ErrStoreUnavailable(err)
	}
	if !applied {
		// 並行処理に先を越された。返却済みになっていたら ALREADY_RETURNED に読み替える。
		cur, gerr := s.store.GetByULID(ctx, l.LoanULID)
		if gerr == nil && cur.State == StateReturned {
			return ErrAlreadyReturned(l.LoanULID)
		}
		return ErrInvalidState("loan state changed concurrently")
	}

	if err := s.equip.SetAvailable(ctx, l.EquipmentULID); err != nil {
		log.Printf("[ERROR] loans: loan %s returned but equipment %s not released: %v", l.LoanULID, l.EquipmentULID, err)
	}
	return nil
}

// 延滞スイープ。due_at を過ぎた active を overdue に落とす。
// レコード単位の条件付き更新なので、並行・連続実行しても1レコード1回しか遷移しない。
// 備品は解放しない（物はまだ借り手の手元にある）。
func (s *Service) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListPastDue(ctx, now)
	if err != nil {
		return 0, ErrStoreUnavailable(err)
	}

	count := 0
	for i := range due {
		applied, err := s.store.MarkOverdue(ctx, due[i].LoanULID, now)
		if err != nil {
			log.Printf("[WARN] loans: sweep failed for %s: %v", due[i].LoanULID, err)
			continue
		}
		if !applied {
			continue // 別のスイープか返却が先に処理した
		}
		count++

		s.notifyResolved(ctx, &due[i], notify.LoanEvent{
			Outcome: notify.OutcomeOverdue,
			DueAt:   &due[i].DueAt.Time,
		})
	}
	return count, nil
}

// ===== 参照系 =====

func (s *Service) Get(ctx context.Context, loanULID string) (*LoanResponse, error) {
	l, err := s.store.GetByULID(ctx, loanULID)
	if err != nil {
		return nil, err
	}
	resp := toDTO(l)
	return &resp, nil
}

func (s *Service) List(ctx context.Context, f Filter, p Page) ([]LoanResponse, error) {
	items, err := s.store.List(ctx, f, p)
	if err != nil {
		return nil, ErrStoreUnavailable(err)
	}
	out := make([]LoanResponse, 0, len(items))
	for i := range items {
		out = append(out, toDTO(&items[i]))
	}
	return out, nil
}

// ===== 内部ヘルパー =====

func validatePurpose(category, purpose string) error {
	if strings.TrimSpace(purpose) == "" {
		return ErrInvalid("purpose is required")
	}
	if category == "other" {
		n := utf8.RuneCountInString(strings.TrimSpace(purpose))
		if n < MinPurposeRunes || n > MaxPurposeRunes {
			return ErrInvalid("purpose must be 10-100 characters for category 'other'")
		}
	}
	return nil
}

// ULIDでもコードでも返却を受け付ける（端末はQR、管理画面はID）
func (s *Service) resolve(ctx context.Context, key string) (*Loan, error) {
	l, err := s.store.GetByULID(ctx, key)
	if err == nil {
		return l, nil
	}
	var api *APIError
	if !errors.As(err, &api) || api.Code != CodeNotFound {
		return nil, ErrStoreUnavailable(err)
	}
	l, err = s.store.GetByCode(ctx, key)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// 通知はfire-and-forget。失敗してもWARNで残すだけ。
func (s *Service) notifyResolved(ctx context.Context, l *Loan, ev notify.LoanEvent) {
	ev.LoanULID = l.LoanULID
	ev.UserID = l.UserID
	ev.EquipmentID = l.EquipmentULID
	if e, err := s.equip.Get(ctx, l.EquipmentULID); err == nil {
		ev.EquipmentName = e.Name
	}
	if err := s.dispatcher.LoanResolved(ctx, ev); err != nil {
		log.Printf("[WARN] loans: notification failed for %s (%s): %v", l.LoanULID, ev.Outcome, err)
	}
}

func mapEquipErr(err error) error {
	var eqErr *equipment.APIError
	if errors.As(err, &eqErr) && eqErr.Code == equipment.CodeNotFound {
		return ErrNotFound("equipment not found")
	}
	return ErrStoreUnavailable(err)
}

// ===== keyedMutex =====

// キー単位のミューテックス。エントリは増える一方だが、
// キーはユーザーIDなので実運用の規模では問題にならない。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
