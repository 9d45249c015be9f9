// Package keylock 按键串行化临界区。
// 同一 (author, app) 的“读 nonce → 构建 → 签名 → 提交”必须互斥，
// 否则两个并发操作会读到同一个 nonce，后提交的那个必然回滚。
package keylock

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Unlock 释放锁，可重复调用
type Unlock func()

// Locker 键锁
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// PairKey (author, app) 对应的锁键
func PairKey(author, app common.Address) string {
	return strings.ToLower(author.Hex()) + ":" + strings.ToLower(app.Hex())
}

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex 进程内键锁，等待可被 ctx 取消
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewKeyedMutex 创建进程内键锁
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Lock 获取 key 的锁
func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, e, true) })
	}, nil
}

func (m *KeyedMutex) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len 当前被持有或等待中的键数量
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
