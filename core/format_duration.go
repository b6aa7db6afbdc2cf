package core

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// FormatGenerationTime renders a measured generation duration the way it is
// shown next to a result.
//
//   - under one second: "850ms"
//   - under one minute: "12.4s"
//   - otherwise: "2m5s"
func FormatGenerationTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000.0)
	default:
		return fmt.Sprintf("%dm%ds", ms/60000, (ms%60000)/1000)
	}
}

// RandomSeed returns a non-negative seed from crypto/rand.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 42
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
}
