// Package keymu 提供按字符串键加锁的互斥锁集合。
// 不同键互不阻塞，同一键串行；无人持有的键会被回收。
package keymu

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map 按键互斥锁
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New 创建按键互斥锁
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock 锁定 key，返回解锁函数
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e := m.entries[key]
	if e == nil {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Len 当前被持有或等待中的键数量
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
