package social

import (
	"context"
	"sync"
)

// Directory 社交目录协作方：本核心只消费、不实现。
// 所有调用都应带 deadline；超时按"目标不可达"处理（扇出任务重试，不丢）。
type Directory interface {
	// ListActiveSessionMembers 会话当前活跃成员（含发送者）。
	ListActiveSessionMembers(ctx context.Context, sessionID string) ([]string, error)
	// CheckSendPermission 发送者在该会话/分区是否可发言。
	CheckSendPermission(ctx context.Context, sessionID, userID string, partitionID int32) (bool, error)
}

// ===== 静态实现（单测/本地联调）=====

type StaticDirectory struct {
	mu      sync.RWMutex
	members map[string][]string
	denied  map[string]map[string]struct{} // session -> userID 黑名单
	err     error                          // 注入故障：目录超时/不可用
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		members: make(map[string][]string),
		denied:  make(map[string]map[string]struct{}),
	}
}

func (d *StaticDirectory) SetMembers(sessionID string, userIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[sessionID] = append([]string(nil), userIDs...)
}

func (d *StaticDirectory) Deny(sessionID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denied[sessionID] == nil {
		d.denied[sessionID] = make(map[string]struct{})
	}
	d.denied[sessionID][userID] = struct{}{}
}

// Fail 注入/清除故障。
func (d *StaticDirectory) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *StaticDirectory) ListActiveSessionMembers(ctx context.Context, sessionID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]string(nil), d.members[sessionID]...), nil
}

func (d *StaticDirectory) CheckSendPermission(ctx context.Context, sessionID, userID string, partitionID int32) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return false, d.err
	}
	if m, ok := d.denied[sessionID]; ok {
		if _, bad := m[userID]; bad {
			return false, nil
		}
	}
	return true, nil
}
