package loans

import (
	"context"
	"log"
	"time"
)

// StartSweeper は延滞スイープを定期実行するゴルーチンを起動する。
// リクエスト処理とは完全に独立。ctx のキャンセルで止まる。
func StartSweeper(ctx context.Context, svc *Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Printf("[INFO] overdue sweeper started (interval=%s)", interval)
		for {
			select {
			case <-ctx.Done():
				log.Println("[INFO] overdue sweeper stopped")
				return
			case now := <-ticker.C:
				n, err := svc.SweepOverdue(ctx, now.UTC())
				if err != nil {
					log.Printf("[WARN] overdue sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("[INFO] overdue sweep: %d loan(s) marked overdue", n)
				}
			}
		}
	}()
}
