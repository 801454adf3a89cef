package internal

import (
	"log/slog"
	"sync"
	"time"
)

// SessionSource 提供開啟中會話的快照
type SessionSource interface {
	Sessions() []*Session
}

// Monitor 存活檢測
//
// 固定週期巡檢所有開啟中的會話，未回應 pong 的會話走與一般關閉相同的拆除路徑。
// 它是唯一能關閉「對端既未關閉也未出錯」連線的角色。
type Monitor struct {
	source    SessionSource
	interval  time.Duration
	maxMissed int
	metrics   *Metrics
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor 創建存活檢測器
func NewMonitor(source SessionSource, interval time.Duration, maxMissed int, metrics *Metrics, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxMissed <= 0 {
		maxMissed = 1
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Monitor{
		source:    source,
		interval:  interval,
		maxMissed: maxMissed,
		metrics:   metrics,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動巡檢 goroutine
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop 停止巡檢並等待 goroutine 結束，可重複呼叫
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep 執行一輪檢測，回傳被驅逐的會話數
func (m *Monitor) Sweep() int {
	evicted := 0
	for _, s := range m.source.Sessions() {
		if s.State() == StateClosed {
			continue
		}
		if s.probe(m.maxMissed) {
			m.logger.Info("evicting unresponsive session", "session_id", s.ID(), "room", s.RoomCode())
			s.terminate(ReasonLivenessTimeout)
			m.metrics.LivenessEvictions.Inc()
			evicted++
		}
	}
	return evicted
}
