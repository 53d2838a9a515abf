package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis Pub/Sub 経由で push ゲートウェイへイベントを流す実装。
// Subscriber がいなくても Publish は成功する（=取りこぼしは許容する設計）。

type redisDispatcher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisDispatcher(rdb *redis.Client, channel string) Dispatcher {
	if channel == "" {
		channel = "lems:loan_events"
	}
	return &redisDispatcher{rdb: rdb, channel: channel}
}

func (d *redisDispatcher) LoanResolved(ctx context.Context, ev LoanEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// 状態遷移のレスポンスを塞がないよう短めのタイムアウト
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return d.rdb.Publish(ctx, d.channel, payload).Err()
}
