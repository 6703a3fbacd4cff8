package cache

import (
	"siderwatch/internal/client"
)

// Snapshot 是某次拉取结果的不可变视图。发布后不再修改，可在任意 goroutine 读取。
type Snapshot[K comparable, V any] struct {
	entries map[K]V
	index   client.Index
	seq     uint64 // 发布序号，0 表示尚未初始化的空快照
}

func newSnapshot[K comparable, V any](entries map[K]V, index client.Index, seq uint64) *Snapshot[K, V] {
	if entries == nil {
		entries = make(map[K]V)
	}
	return &Snapshot[K, V]{entries: entries, index: index, seq: seq}
}

// Len 返回条目数。
func (s *Snapshot[K, V]) Len() int {
	return len(s.entries)
}

// Get 按键读取。
func (s *Snapshot[K, V]) Get(key K) (V, bool) {
	v, ok := s.entries[key]
	return v, ok
}

// Keys 返回所有键（无序）。
func (s *Snapshot[K, V]) Keys() []K {
	keys := make([]K, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Range 遍历条目，fn 返回 false 时停止。
func (s *Snapshot[K, V]) Range(fn func(key K, value V) bool) {
	for k, v := range s.entries {
		if !fn(k, v) {
			return
		}
	}
}

// ToMap 返回条目的副本。
func (s *Snapshot[K, V]) ToMap() map[K]V {
	out := make(map[K]V, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Index 返回产生该快照的响应索引。
func (s *Snapshot[K, V]) Index() client.Index {
	return s.index
}

// Initialized 报告该快照是否来自一次成功的拉取。
func (s *Snapshot[K, V]) Initialized() bool {
	return s.seq > 0
}
