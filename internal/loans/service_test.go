package loans

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LEMS-backend/internal/equipment"
	"LEMS-backend/internal/platform/notify"
)

// ===== テスト用ダブル =====

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type dispatcherSpy struct {
	mu     sync.Mutex
	events []notify.LoanEvent
	err    error
}

func (d *dispatcherSpy) LoanResolved(_ context.Context, ev notify.LoanEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.err
}

func (d *dispatcherSpy) recorded() []notify.LoanEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.LoanEvent, len(d.events))
	copy(out, d.events)
	return out
}

func newTestService(t *testing.T) (*Service, *equipment.MemStore, *fakeClock, *dispatcherSpy) {
	t.Helper()
	eq := equipment.NewMemStore()
	spy := &dispatcherSpy{}
	svc := NewService(NewMemStore(), eq, spy)
	clk := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	svc.clock = clk
	return svc, eq, clk, spy
}

func addEquipment(t *testing.T, eq *equipment.MemStore, ulid, name string) {
	t.Helper()
	err := eq.Insert(context.Background(), &equipment.Equipment{
		EquipmentULID: ulid,
		Name:          name,
		Category:      "camera",
	})
	require.NoError(t, err)
}

func mustBeAvailable(t *testing.T, eq *equipment.MemStore, ulid string, want bool) {
	t.Helper()
	e, err := eq.Get(context.Background(), ulid)
	require.NoError(t, err)
	assert.Equal(t, want, e.Available)
}

func submit(t *testing.T, svc *Service, userID, equipULID string) *LoanResponse {
	t.Helper()
	res, err := svc.SubmitRequest(context.Background(), SubmitLoanRequest{
		UserID:          userID,
		EquipmentULID:   equipULID,
		DurationDays:    7,
		PurposeCategory: "academic",
		Purpose:         "semester project recording",
	})
	require.NoError(t, err)
	return res
}

func errCode(t *testing.T, err error) Code {
	t.Helper()
	var api *APIError
	require.ErrorAs(t, err, &api)
	return api.Code
}

// ===== 正常系シナリオ =====

func TestLoanLifecycle_HappyPath(t *testing.T) {
	svc, eq, clk, spy := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	// 申請 → pending、備品は予約される
	res := submit(t, svc, "user-1", "EQ-A")
	assert.Equal(t, StatePending, res.State)
	mustBeAvailable(t, eq, "EQ-A", false)

	// 申請時点では通知しない
	assert.Empty(t, spy.recorded())

	// 承認 → コード発行 + 通知
	code, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	got, err := svc.Get(ctx, res.LoanULID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, got.State)
	require.NotNil(t, got.ApprovedAt)
	require.NotNil(t, got.ApproverID)
	assert.Equal(t, "admin-1", *got.ApproverID)

	events := spy.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, notify.OutcomeApproved, events[0].Outcome)
	assert.Equal(t, code, events[0].RedemptionCode)
	assert.Equal(t, "user-1", events[0].UserID)

	// 引き換え → active、due = pickup + 7日
	clk.advance(2 * time.Hour)
	active, err := svc.RedeemAtPickup(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, StateActive, active.State)
	require.NotNil(t, active.PickupAt)
	require.NotNil(t, active.DueAt)
	assert.Equal(t, active.PickupAt.Add(7*24*time.Hour), *active.DueAt)
	mustBeAvailable(t, eq, "EQ-A", false)

	// 返却 → returned、備品解放
	require.NoError(t, svc.ConfirmReturn(ctx, res.LoanULID))
	final, err := svc.Get(ctx, res.LoanULID)
	require.NoError(t, err)
	assert.Equal(t, StateReturned, final.State)
	require.NotNil(t, final.ReturnedAt)
	mustBeAvailable(t, eq, "EQ-A", true)
}

// ===== バリデーション =====

func TestSubmitRequest_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitLoanRequest
	}{
		{"missing user", SubmitLoanRequest{EquipmentULID: "EQ-A", DurationDays: 7, PurposeCategory: "academic", Purpose: "valid purpose"}},
		{"missing equipment", SubmitLoanRequest{UserID: "u", DurationDays: 7, PurposeCategory: "academic", Purpose: "valid purpose"}},
		{"duration zero", SubmitLoanRequest{UserID: "u", EquipmentULID: "EQ-A", DurationDays: 0, PurposeCategory: "academic", Purpose: "valid purpose"}},
		{"duration over max", SubmitLoanRequest{UserID: "u", EquipmentULID: "EQ-A", DurationDays: 31, PurposeCategory: "academic", Purpose: "valid purpose"}},
		{"empty purpose", SubmitLoanRequest{UserID: "u", EquipmentULID: "EQ-A", DurationDays: 7, PurposeCategory: "academic", Purpose: "   "}},
		{"other purpose too short", SubmitLoanRequest{UserID: "u", EquipmentULID: "EQ-A", DurationDays: 7, PurposeCategory: "other", Purpose: "short"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, eq, _, _ := newTestService(t)
			addEquipment(t, eq, "EQ-A", "Sony A7")

			_, err := svc.SubmitRequest(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, CodeInvalidArgument, errCode(t, err))

			// バリデーション失敗では予約もレコード作成も起きない
			mustBeAvailable(t, eq, "EQ-A", true)
		})
	}
}

func TestSubmitRequest_OtherCategoryBounds(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	addEquipment(t, eq, "EQ-A", "Sony A7")

	// ちょうど10文字はOK（マルチバイトもルーナ数で数える）
	res, err := svc.SubmitRequest(context.Background(), SubmitLoanRequest{
		UserID:          "u",
		EquipmentULID:   "EQ-A",
		DurationDays:    3,
		PurposeCategory: "other",
		Purpose:         "発表会で撮影に使用する",
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, res.State)
}

func TestSubmitRequest_EquipmentNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.SubmitRequest(context.Background(), SubmitLoanRequest{
		UserID:          "u",
		EquipmentULID:   "EQ-MISSING",
		DurationDays:    7,
		PurposeCategory: "academic",
		Purpose:         "valid purpose",
	})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, errCode(t, err))
}

// ===== 排他制御・貸出上限 =====

func TestSubmitRequest_EquipmentExclusivity(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	addEquipment(t, eq, "EQ-A", "Sony A7")

	submit(t, svc, "user-1", "EQ-A")

	_, err := svc.SubmitRequest(context.Background(), SubmitLoanRequest{
		UserID:          "user-2",
		EquipmentULID:   "EQ-A",
		DurationDays:    7,
		PurposeCategory: "academic",
		Purpose:         "valid purpose",
	})
	require.Error(t, err)
	assert.Equal(t, CodeEquipmentUnavailable, errCode(t, err))
}

func TestSubmitRequest_ConcurrentSameEquipment(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	addEquipment(t, eq, "EQ-B", "Zoom H6")

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitRequest(context.Background(), SubmitLoanRequest{
				UserID:          "user-" + string(rune('a'+i)),
				EquipmentULID:   "EQ-B",
				DurationDays:    7,
				PurposeCategory: "academic",
				Purpose:         "valid purpose",
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, CodeEquipmentUnavailable, errCode(t, err))
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent submission must win")
	mustBeAvailable(t, eq, "EQ-B", false)
}

func TestSubmitRequest_LoanCap(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"EQ-1", "EQ-2", "EQ-3", "EQ-4"} {
		addEquipment(t, eq, id, id)
	}

	submit(t, svc, "user-1", "EQ-1")
	submit(t, svc, "user-1", "EQ-2")
	submit(t, svc, "user-1", "EQ-3")

	// 4件目は上限超過
	_, err := svc.SubmitRequest(ctx, SubmitLoanRequest{
		UserID:          "user-1",
		EquipmentULID:   "EQ-4",
		DurationDays:    7,
		PurposeCategory: "academic",
		Purpose:         "valid purpose",
	})
	require.Error(t, err)
	assert.Equal(t, CodeLoanCapExceeded, errCode(t, err))

	// 上限超過では備品は予約されない
	mustBeAvailable(t, eq, "EQ-4", true)

	// 別ユーザーは影響を受けない
	submit(t, svc, "user-2", "EQ-4")
}

func TestSubmitRequest_ConcurrentCap(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	const n = 10
	for i := 0; i < n; i++ {
		addEquipment(t, eq, "EQ-"+string(rune('a'+i)), "item")
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitRequest(context.Background(), SubmitLoanRequest{
				UserID:          "user-1",
				EquipmentULID:   "EQ-" + string(rune('a'+i)),
				DurationDays:    7,
				PurposeCategory: "academic",
				Purpose:         "valid purpose",
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, CodeLoanCapExceeded, errCode(t, err))
	}
	assert.Equal(t, MaxInFlightPerUser, succeeded)
}

func TestLoanCap_ReleasedAfterResolution(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"EQ-1", "EQ-2", "EQ-3", "EQ-4"} {
		addEquipment(t, eq, id, id)
	}

	submit(t, svc, "user-1", "EQ-1")
	submit(t, svc, "user-1", "EQ-2")
	third := submit(t, svc, "user-1", "EQ-3")

	// 却下されれば枠が空く
	require.NoError(t, svc.RejectRequest(ctx, third.LoanULID, "admin-1", "not justified"))
	submit(t, svc, "user-1", "EQ-4")
}

// ===== 承認・却下 =====

func TestApproveRequest_WrongState(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")
	require.NoError(t, svc.RejectRequest(ctx, res.LoanULID, "admin-1", "no inventory staff this week"))

	_, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, errCode(t, err))
}

func TestApproveRequest_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.ApproveRequest(context.Background(), "L-MISSING", "admin-1", nil)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, errCode(t, err))
}

func TestRejectRequest_ReleasesEquipment(t *testing.T) {
	svc, eq, _, spy := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")
	mustBeAvailable(t, eq, "EQ-A", false)

	require.NoError(t, svc.RejectRequest(ctx, res.LoanULID, "admin-1", "reserved for lab session"))
	mustBeAvailable(t, eq, "EQ-A", true)

	got, err := svc.Get(ctx, res.LoanULID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, got.State)
	require.NotNil(t, got.RejectionReason)
	assert.Equal(t, "reserved for lab session", *got.RejectionReason)

	events := spy.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, notify.OutcomeRejected, events[0].Outcome)

	// 解放後は別ユーザーが借りられる
	submit(t, svc, "user-2", "EQ-A")
}

func TestRejectRequest_ReasonRequired(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	addEquipment(t, eq, "EQ-A", "Sony A7")
	res := submit(t, svc, "user-1", "EQ-A")

	err := svc.RejectRequest(context.Background(), res.LoanULID, "admin-1", "  ")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, errCode(t, err))
}

// ===== コード衝突・生成失敗 =====

// MarkApproved を指定回数だけ衝突させるラッパ
type collidingStore struct {
	Store
	mu        sync.Mutex
	failures  int
	attempted int
}

func (s *collidingStore) MarkApproved(ctx context.Context, loanULID, approverID string, notes *string, code string, at time.Time) (bool, error) {
	s.mu.Lock()
	s.attempted++
	fail := s.attempted <= s.failures
	s.mu.Unlock()
	if fail {
		return false, ErrCodeTaken
	}
	return s.Store.MarkApproved(ctx, loanULID, approverID, notes, code, at)
}

func TestApproveRequest_RetriesOnCodeCollision(t *testing.T) {
	eq := equipment.NewMemStore()
	cs := &collidingStore{Store: NewMemStore(), failures: 2}
	svc := NewService(cs, eq, &dispatcherSpy{})
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")

	code, err := svc.ApproveRequest(context.Background(), res.LoanULID, "admin-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.Equal(t, 3, cs.attempted)
}

func TestApproveRequest_CodeGenerationExhausted(t *testing.T) {
	eq := equipment.NewMemStore()
	cs := &collidingStore{Store: NewMemStore(), failures: maxCodeAttempts}
	svc := NewService(cs, eq, &dispatcherSpy{})
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")

	_, err := svc.ApproveRequest(context.Background(), res.LoanULID, "admin-1", nil)
	require.Error(t, err)
	assert.Equal(t, CodeGenerationFailed, errCode(t, err))

	// 失敗したら状態は pending のまま
	got, err := svc.Get(context.Background(), res.LoanULID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
}

// ===== 引き換え =====

func TestRedeemAtPickup_InvalidOrConsumed(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	// 未知のコード
	_, err := svc.RedeemAtPickup(ctx, "RDM-UNKNOWN")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidCode, errCode(t, err))

	// 消費済みコード
	res := submit(t, svc, "user-1", "EQ-A")
	code, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.NoError(t, err)

	_, err = svc.RedeemAtPickup(ctx, code)
	require.NoError(t, err)

	_, err = svc.RedeemAtPickup(ctx, code)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidCode, errCode(t, err))
}

// ===== 返却 =====

func TestConfirmReturn_Idempotency(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")
	code, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.NoError(t, err)
	_, err = svc.RedeemAtPickup(ctx, code)
	require.NoError(t, err)

	// 1回目は成功して備品解放
	require.NoError(t, svc.ConfirmReturn(ctx, res.LoanULID))
	mustBeAvailable(t, eq, "EQ-A", true)

	// 2回目は ALREADY_RETURNED。可用性は変わらない（二重スキャン検知）
	err = svc.ConfirmReturn(ctx, res.LoanULID)
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyReturned, errCode(t, err))
	mustBeAvailable(t, eq, "EQ-A", true)
}

func TestConfirmReturn_ByCode(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")
	code, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.NoError(t, err)
	_, err = svc.RedeemAtPickup(ctx, code)
	require.NoError(t, err)

	// 端末はQRコードしか持っていないのでコードでも返却できる
	require.NoError(t, svc.ConfirmReturn(ctx, code))
	got, err := svc.Get(ctx, res.LoanULID)
	require.NoError(t, err)
	assert.Equal(t, StateReturned, got.State)
}

func TestConfirmReturn_WrongState(t *testing.T) {
	svc, eq, _, _ := newTestService(t)
	addEquipment(t, eq, "EQ-A", "Sony A7")
	res := submit(t, svc, "user-1", "EQ-A")

	// pending のままでは返却できない
	err := svc.ConfirmReturn(context.Background(), res.LoanULID)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, errCode(t, err))
}

// ===== 延滞スイープ =====

func TestSweepOverdue(t *testing.T) {
	svc, eq, clk, spy := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")
	code, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.NoError(t, err)
	_, err = svc.RedeemAtPickup(ctx, code)
	require.NoError(t, err)

	// 期限前は何も起きない
	n, err := svc.SweepOverdue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 期限を越えたら1件だけ遷移する
	clk.advance(8 * 24 * time.Hour)
	n, err = svc.SweepOverdue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, res.LoanULID)
	require.NoError(t, err)
	assert.Equal(t, StateOverdue, got.State)

	// スイープは備品を解放しない（物はまだ出ている）
	mustBeAvailable(t, eq, "EQ-A", false)

	// 連続実行しても再遷移しない
	n, err = svc.SweepOverdue(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 延滞通知は1回だけ
	overdueEvents := 0
	for _, ev := range spy.recorded() {
		if ev.Outcome == notify.OutcomeOverdue {
			overdueEvents++
		}
	}
	assert.Equal(t, 1, overdueEvents)

	// overdue からの返却で備品が解放される
	require.NoError(t, svc.ConfirmReturn(ctx, res.LoanULID))
	mustBeAvailable(t, eq, "EQ-A", true)
}

func TestSweepOverdue_ConcurrentSweeps(t *testing.T) {
	svc, eq, clk, _ := newTestService(t)
	ctx := context.Background()
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")
	code, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.NoError(t, err)
	_, err = svc.RedeemAtPickup(ctx, code)
	require.NoError(t, err)

	clk.advance(8 * 24 * time.Hour)
	now := clk.Now()

	const sweepers = 8
	var wg sync.WaitGroup
	counts := make([]int, sweepers)
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := svc.SweepOverdue(ctx, now)
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total, "each record transitions to overdue at most once")
}

// ===== 通知の隔離 =====

func TestNotificationFailureDoesNotAffectTransition(t *testing.T) {
	svc, eq, _, spy := newTestService(t)
	ctx := context.Background()
	spy.err = errors.New("push gateway down")
	addEquipment(t, eq, "EQ-A", "Sony A7")

	res := submit(t, svc, "user-1", "EQ-A")

	// 通知が落ちても承認は成功扱い
	code, err := svc.ApproveRequest(ctx, res.LoanULID, "admin-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	got, err := svc.Get(ctx, res.LoanULID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, got.State)
}
