package model

import "time"

const (
	// LockPrefix 每个 (author, app) 的分布式锁
	LockPrefix = "comments:lock:"
	// ClaimPrefix 中继幂等标记，按载荷摘要
	ClaimPrefix = "comments:relay:"
	// ClaimTTL 幂等标记有效期，覆盖截止时间窗口即可
	ClaimTTL = 24 * time.Hour
)
