package loans

import (
	"crypto/rand"
	"time"

	ulid "github.com/oklog/ulid/v2"
)

// 引換コード生成の再試行上限。超えたら CODE_GENERATION_FAILED。
const maxCodeAttempts = 5

// newRedemptionCode は承認時に発行する引換コード（QRの中身）を生成する。
// ULID（タイムスタンプ+乱数）に貸出ULIDの末尾を付けた不透明トークン。
// 一意性はストアのUNIQUE制約で確定させ、衝突したら新しい乱数で作り直す。
func newRedemptionCode(loanULID string, t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	token := ulid.MustNew(ulid.Timestamp(t), entropy).String()

	tail := loanULID
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return "RDM-" + token + "-" + tail
}
