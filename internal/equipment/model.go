package equipment

import (
	"database/sql"
	"time"
)

// Equipment は equipments テーブルの1行を表す。
// available は貸出エンジンだけが反転させる（カタログ編集では触らない）。
type Equipment struct {
	EquipmentID   int64
	EquipmentULID string
	Name          string
	Category      string
	Available     bool
	Note          sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// 一覧取得用の検索条件
type Filter struct {
	Category  *string
	Available *bool
}
