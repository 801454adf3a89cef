package internal

import (
	"crypto/rand"
	"strings"
	"time"
)

const (
	// RoomCodeLength 房間碼長度
	RoomCodeLength = 6

	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// CodeGenerator 房間碼生成器
//
// 只負責產生候選碼，唯一性由 Registry 保證。
type CodeGenerator interface {
	Generate() string
}

// CodeGeneratorFunc 函數形式的生成器（測試用）
type CodeGeneratorFunc func() string

// Generate 實現 CodeGenerator
func (f CodeGeneratorFunc) Generate() string {
	return f()
}

// RandomCodeGenerator 以 crypto/rand 產生 A-Z0-9 的 6 碼
type RandomCodeGenerator struct{}

// Generate 生成房間碼
func (RandomCodeGenerator) Generate() string {
	b := make([]byte, RoomCodeLength)
	for i := range b {
		b[i] = roomCodeAlphabet[randIndex(len(roomCodeAlphabet))]
	}
	return string(b)
}

// randIndex 生成 [0, n) 的隨機數
//
// 拒絕取樣，避免 byte % n 的偏差。n 必須 <= 256。
func randIndex(n int) int {
	limit := 256 - 256%n
	var b [1]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			// 隨機源失敗時退回時間戳
			return int(time.Now().UnixNano() % int64(n))
		}
		if int(b[0]) < limit {
			return int(b[0]) % n
		}
	}
}

// NormalizeCode 正規化房間碼（去空白、轉大寫）
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode 檢查是否為合法格式的房間碼
func ValidCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(roomCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
