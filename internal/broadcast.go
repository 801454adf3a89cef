package internal

import (
	"log/slog"
)

// Broadcaster 房間廣播
//
// 成員快照取自 Registry，投遞不持有 Registry 的鎖。
type Broadcaster struct {
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger
}

// NewBroadcaster 創建廣播器
func NewBroadcaster(registry *Registry, metrics *Metrics, logger *slog.Logger) *Broadcaster {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Broadcaster{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Broadcast 廣播到房間內除 exclude 以外的所有成員，回傳成功投遞數
//
// 房間不存在時靜默略過（可能剛清空）。無法投遞的成員直接跳過，不影響其他成員。
func (b *Broadcaster) Broadcast(code string, frame any, exclude Member) int {
	members := b.registry.Members(code)
	if len(members) == 0 {
		return 0
	}

	data, err := Encode(frame)
	if err != nil {
		b.logger.Error("encode broadcast frame", "code", code, "error", err)
		return 0
	}

	delivered := 0
	for _, m := range members {
		if exclude != nil && m.ID() == exclude.ID() {
			continue
		}
		if !m.Send(data) {
			b.metrics.DroppedDeliveries.Inc()
			b.logger.Debug("skip unsendable member", "code", code, "session_id", m.ID())
			continue
		}
		delivered++
	}

	b.metrics.Deliveries.Add(float64(delivered))
	return delivered
}
