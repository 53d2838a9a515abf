package loans

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// 貸出履歴のCSVエクスポート。
// Excelでそのまま開けるよう cp932 (Shift_JIS) で書き出す。
// 変換できない文字は encoder 側で置換される。

const exportPageSize = 500

var exportHeader = []string{
	"loan_ulid", "user_id", "equipment_ulid", "state",
	"duration_days", "purpose_category", "purpose",
	"requested_at", "approved_at", "pickup_at", "due_at", "returned_at",
	"approver_id", "rejection_reason",
}

func (s *Service) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	enc := transform.NewWriter(w, japanese.ShiftJIS.NewEncoder())
	cw := csv.NewWriter(enc)

	if err := cw.Write(exportHeader); err != nil {
		return err
	}

	// ページングしながら全件吐く
	p := Page{Limit: exportPageSize, Offset: 0, Order: "asc"}
	for {
		items, err := s.store.List(ctx, f, p)
		if err != nil {
			return ErrStoreUnavailable(err)
		}
		for i := range items {
			if err := cw.Write(exportRow(&items[i])); err != nil {
				return err
			}
		}
		if len(items) < exportPageSize {
			break
		}
		p.Offset += exportPageSize
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return enc.Close()
}

func exportRow(l *Loan) []string {
	return []string{
		l.LoanULID,
		l.UserID,
		l.EquipmentULID,
		string(l.State),
		itoa(l.DurationDays),
		l.PurposeCategory,
		l.Purpose,
		l.RequestedAt.Format(time.RFC3339),
		nullTimeStr(l.ApprovedAt),
		nullTimeStr(l.PickupAt),
		nullTimeStr(l.DueAt),
		nullTimeStr(l.ReturnedAt),
		nullStr(l.ApproverID),
		nullStr(l.RejectionReason),
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func nullTimeStr(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}
	return t.Time.Format(time.RFC3339)
}

func nullStr(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
