// Package snowflake 生成按时间递增的 64 位ID，用作提交日志的主键。
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// 64位ID结构：1位符号位(0) + 41位时间戳 + 10位机器ID + 12位序列号
const (
	machineBits  = 10
	sequenceBits = 12

	maxMachineID = (1 << machineBits) - 1
	maxSequence  = (1 << sequenceBits) - 1

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits

	// 起始时间 2024-01-01 00:00:00 UTC
	defaultEpoch = 1704067200000
)

// ErrClockBackwards 时钟回拨，拒绝生成可能重复的ID
var ErrClockBackwards = errors.New("snowflake: clock moved backwards")

// Snowflake ID生成器
type Snowflake struct {
	mu        sync.Mutex
	epoch     int64
	machineID int64
	sequence  int64
	lastTime  int64
	now       func() time.Time
}

// NewSnowflake 创建生成器，machineID 取值 0-1023
func NewSnowflake(machineID int64) (*Snowflake, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("machine id must be within 0-%d", maxMachineID)
	}
	return &Snowflake{epoch: defaultEpoch, machineID: machineID, now: time.Now}, nil
}

// Generate 生成下一个ID
func (s *Snowflake) Generate() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	if now < s.lastTime {
		return 0, fmt.Errorf("%w: now %d, last %d", ErrClockBackwards, now, s.lastTime)
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 同一毫秒序列号用尽，等待下一毫秒
			for now <= s.lastTime {
				now = s.now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now - s.epoch) << timestampShift) | (s.machineID << machineShift) | s.sequence, nil
}

// Parse 拆出时间、机器ID和序列号
func (s *Snowflake) Parse(id int64) (t time.Time, machineID int64, sequence int64) {
	t = time.UnixMilli((id >> timestampShift) + s.epoch)
	machineID = (id >> machineShift) & maxMachineID
	sequence = id & maxSequence
	return
}
