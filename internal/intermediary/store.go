// Package intermediary 维护“角色 X 正替用户等待角色 Y 在会话 Z
// 中回复”的跨实例协调状态。后端是事实来源，本地缓存只为降低
// 延迟与容灾；一致性次序（后端优先、缓存只读兜底）不可颠倒。
package intermediary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elevenyellow/pardon-simulator/pkg/logger"
)

// State 表示一条协调状态。
type State struct {
	AgentID     string    `json:"agent_id"`
	ThreadID    string    `json:"thread_id"`
	TargetAgent string    `json:"target_agent"`
	Purpose     string    `json:"purpose"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired 判断状态在给定时刻是否已失效。
func (s *State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// CheckResult 区分权威结论与降级结论：Degraded 为 true 表示后端
// 不可达，结论来自本地缓存，调用方不能把它当作确定的"无状态"。
type CheckResult struct {
	State    *State
	Degraded bool
}

// Matched 判断结果是否命中了指定发送者。
func (r CheckResult) Matched() bool {
	return r.State != nil
}

// Store 组合后端客户端与本地缓存。
type Store struct {
	agentID string
	backend *BackendClient
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]*State
}

// NewStore 构造协调状态存储。backend 可以为 nil，此时退化为
// 纯本地缓存（仅适用于单实例测试）。
func NewStore(agentID string, backend *BackendClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &Store{
		agentID: agentID,
		backend: backend,
		ttl:     ttl,
		cache:   make(map[string]*State),
	}
}

func (s *Store) cacheKey(threadID string) string {
	return fmt.Sprintf("%s:%s", s.agentID, threadID)
}

// Set 记录本角色正替用户等待 targetAgent 的回复。本地缓存立即
// 生效；后端持久化尽力而为，失败不影响调用方。
func (s *Store) Set(ctx context.Context, threadID, targetAgent, purpose string) {
	now := time.Now()
	state := &State{
		AgentID:     s.agentID,
		ThreadID:    threadID,
		TargetAgent: targetAgent,
		Purpose:     purpose,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	s.mu.Lock()
	s.cache[s.cacheKey(threadID)] = state
	s.mu.Unlock()

	if s.backend == nil {
		return
	}
	if err := s.backend.Persist(ctx, state); err != nil {
		logger.L().Warn("协调状态持久化失败，仅保留本地缓存",
			slog.Any("error", err),
			slog.String("thread_id", threadID),
			slog.String("target", targetAgent))
	}
}

// Check 查询是否存在指向 senderID 的协调状态。后端可达时以后端
// 结论为准并回写缓存（包括"无状态"也要覆盖缓存）；后端不可达时
// 退回本地缓存只读，并标记结果为降级。过期状态一律视为不存在并
// 主动删除。
func (s *Store) Check(ctx context.Context, threadID, senderID string) CheckResult {
	now := time.Now()

	if s.backend != nil {
		state, err := s.backend.Fetch(ctx, s.agentID, threadID)
		if err == nil {
			s.reconcile(threadID, state)
			return CheckResult{State: s.matchAgainst(state, senderID, now, threadID)}
		}
		logger.L().Warn("协调状态后端不可达，使用本地缓存",
			slog.Any("error", err),
			slog.String("thread_id", threadID))
	}

	s.mu.Lock()
	state := s.cache[s.cacheKey(threadID)]
	s.mu.Unlock()
	return CheckResult{
		State:    s.matchAgainst(state, senderID, now, threadID),
		Degraded: s.backend != nil,
	}
}

// reconcile 用后端结论覆盖本地缓存。
func (s *Store) reconcile(threadID string, state *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		delete(s.cache, s.cacheKey(threadID))
		return
	}
	s.cache[s.cacheKey(threadID)] = state
}

func (s *Store) matchAgainst(state *State, senderID string, now time.Time, threadID string) *State {
	if state == nil {
		return nil
	}
	if state.Expired(now) {
		s.mu.Lock()
		delete(s.cache, s.cacheKey(threadID))
		s.mu.Unlock()
		return nil
	}
	if state.TargetAgent != senderID {
		return nil
	}
	return state
}

// Clear 删除本会话的协调状态。缓存立即删除；后端删除尽力而为。
func (s *Store) Clear(ctx context.Context, threadID string) {
	s.mu.Lock()
	delete(s.cache, s.cacheKey(threadID))
	s.mu.Unlock()

	if s.backend == nil {
		return
	}
	if err := s.backend.Delete(ctx, s.agentID, threadID); err != nil {
		logger.L().Warn("协调状态后端删除失败",
			slog.Any("error", err),
			slog.String("thread_id", threadID))
	}
}
