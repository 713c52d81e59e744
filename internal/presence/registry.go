// Package presence 维护 "谁在线" 这一唯一的共享可变状态。
package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry 将用户标识映射到其活跃连接集合。
//
// C 是连接句柄；Registry 只持有引用，不负责关闭底层传输。所有读改写都在同一把锁内完成，
// 锁内只做内存集合操作，不做任何 I/O。
type Registry[C comparable] struct {
	mu    sync.RWMutex
	users map[string]map[C]struct{}
}

func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{users: make(map[string]map[C]struct{})}
}

// Register 将句柄加入用户的连接集合，首次连接时懒创建条目。
// 返回 true 表示该用户由此变为在线。
func (r *Registry[C]) Register(userID string, h C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[C]struct{})
		r.users[userID] = set
	}
	if _, dup := set[h]; dup {
		return false
	}
	set[h] = struct{}{}
	return len(set) == 1
}

// Deregister 移除句柄，幂等。只有真正移除了最后一个句柄的那次调用返回 true，
// 重复调用不会再次报告离线。
func (r *Registry[C]) Deregister(userID string, h C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, present := set[h]; !present {
		return false
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// ListOnline 返回在线用户的有序快照。
func (r *Registry[C]) ListOnline() []string {
	r.mu.RLock()
	ids := lo.Keys(r.users)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SessionsFor 返回用户当前的连接快照，离线时为空切片。
func (r *Registry[C]) SessionsFor(userID string) []C {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.users[userID]
	if !ok {
		return []C{}
	}
	return lo.Keys(set)
}

// Peers 返回除 exclude 之外所有在线用户的连接快照，用于在线状态广播。
func (r *Registry[C]) Peers(exclude string) []C {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]C, 0, len(r.users))
	for userID, set := range r.users {
		if userID == exclude {
			continue
		}
		for h := range set {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry[C]) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

func (r *Registry[C]) IsOnline(userID string) bool {
	return r.Count(userID) > 0
}

// Online 返回在线用户数量，供指标复用。
func (r *Registry[C]) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
