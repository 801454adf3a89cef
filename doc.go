// Package roomrelay 提供以房間碼分組的 WebSocket 即時訊息中繼。
//
// 客戶端建立長連線後，可以建立房間（取得 6 碼房間碼）或以房間碼加入房間，
// 之後送出的訊息會廣播給同房間的其他成員。所有狀態都在記憶體中，不持久化。
//
// # 核心元件
//
//   - Room Code Generator：產生 A-Z0-9 的 6 碼房間碼
//   - Registry：房間碼 → 房間，單一 RWMutex 序列化所有變更，空房間同步刪除
//   - Session：每條連線的狀態機（Unaffiliated → InRoom → Closed）與協議分派
//   - Broadcaster：對房間成員非阻塞投遞，跳過無法投遞的成員
//   - Monitor：固定週期 ping，未回應的連線走同一條拆除路徑
//
// # 協議
//
// 入站：
//
//	{"type":"create-room","username":"alice"}
//	{"type":"join-room","username":"bob","code":"x7k2qa"}
//	{"type":"message","text":"hi"}
//
// 出站：room-created、room-joined、user-joined、message、user-left、error。
//
// # 啟動
//
//	go run ./cmd/server -config config.yaml
//
// 選用：REDIS_ADDR 啟用分散式 HTTP 限流，NATS_URL 發布房間生命週期事件。
package roomrelay
