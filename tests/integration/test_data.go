package integration

import (
	"fmt"
	"sync/atomic"
	"time"
)

var (
	userSeq uint64
	ipSeq   uint64
)

// TestUser generates unique test user credentials
func TestUser(suffix string) (email, password string) {
	n := atomic.AddUint64(&userSeq, 1)
	email = fmt.Sprintf("test-%d-%d-%s@example.com", time.Now().Unix(), n, suffix)
	password = "TestPassword123!"
	return
}

// UniqueIP hands each caller its own client address so the per-IP rate limit
// buckets of different tests never collide.
func UniqueIP() string {
	n := atomic.AddUint64(&ipSeq, 1)
	return fmt.Sprintf("10.1.%d.%d", (n>>8)&0xff, n&0xff)
}
