package biz

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/internal/rag/metrics"
	"github.com/kart-io/sentinel-rag/pkg/utils/errors"
	"github.com/kart-io/sentinel-rag/pkg/utils/id"
)

// SessionStatus 会话状态。
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionClosed  SessionStatus = "closed"
)

// MessageRole 消息角色。
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message 会话中的一条消息。
type Message struct {
	Role              MessageRole `json:"role"`
	Text              string      `json:"text"`
	Timestamp         time.Time   `json:"timestamp"`
	RetrievedChunkIDs []string    `json:"retrieved_chunk_ids,omitempty"`
}

// Session 会话快照。
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Turns        []Message     `json:"turns"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	Status       SessionStatus `json:"status"`
}

// SessionConfig 会话存储配置。
type SessionConfig struct {
	// MaxTurns 每个会话保留的最大消息数，超出时丢弃最早的。
	MaxTurns int
	// IdleTimeout 闲置超过该时长的会话被标记为过期。
	IdleTimeout time.Duration
	// SweepInterval 后台清理间隔。
	SweepInterval time.Duration
	// RetainFor 关闭或过期的会话在被删除前保留的时长。
	RetainFor time.Duration
}

// DefaultSessionConfig 返回默认配置。
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		MaxTurns:      40,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
		RetainFor:     10 * time.Minute,
	}
}

// sessionEntry 会话的内部状态，字段由 mu 保护；busy 标记独立于 mu。
type sessionEntry struct {
	id        string
	userID    string
	createdAt time.Time

	mu         sync.Mutex
	turns      []Message
	lastActive time.Time
	status     SessionStatus
	endedAt    time.Time

	busy atomic.Bool
}

func (e *sessionEntry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Session{
		ID:           e.id,
		UserID:       e.userID,
		Turns:        slices.Clone(e.turns),
		CreatedAt:    e.createdAt,
		LastActiveAt: e.lastActive,
		Status:       e.status,
	}
}

// SessionStore 会话存储。注册表为 sync.Map，每个会话各自加锁，热路径上没有全局锁。
type SessionStore struct {
	sessions sync.Map // id -> *sessionEntry
	config   *SessionConfig
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewSessionStore 创建会话存储。
func NewSessionStore(config *SessionConfig, m *metrics.Metrics) *SessionStore {
	if config == nil {
		config = DefaultSessionConfig()
	}
	return &SessionStore{config: config, metrics: m, now: time.Now}
}

// Create 创建会话；sessionID 为空时生成 ULID。同 ID 的活跃会话已存在时返回 ErrDuplicateSession，
// 已关闭或过期的同 ID 会话会被替换。
func (s *SessionStore) Create(userID, sessionID string) (Session, error) {
	if sessionID == "" {
		sessionID = id.NewULID()
	}
	now := s.now()
	e := &sessionEntry{
		id:         sessionID,
		userID:     userID,
		createdAt:  now,
		lastActive: now,
		status:     SessionActive,
	}

	for {
		old, loaded := s.sessions.LoadOrStore(sessionID, e)
		if !loaded {
			break
		}
		prev := old.(*sessionEntry)
		if s.refresh(prev) == SessionActive {
			return Session{}, errors.ErrDuplicateSession.WithMessagef("session %s already exists", sessionID)
		}
		if s.sessions.CompareAndSwap(sessionID, prev, e) {
			break
		}
	}

	s.metrics.RecordSessions(1, 0)
	logger.Debugw("session created", "session_id", sessionID, "user_id", userID)
	return e.snapshot(), nil
}

// refresh 返回最新状态，闲置超时的活跃会话就地转为过期。
func (s *SessionStore) refresh(e *sessionEntry) SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.expireLocked(e, s.now())
	return e.status
}

func (s *SessionStore) expireLocked(e *sessionEntry, now time.Time) bool {
	if e.status != SessionActive || s.config.IdleTimeout <= 0 || e.busy.Load() {
		return false
	}
	if now.Sub(e.lastActive) < s.config.IdleTimeout {
		return false
	}
	e.status = SessionExpired
	e.endedAt = now
	return true
}

// lookup 未知或已过期返回 ErrSessionNotFound。
func (s *SessionStore) lookup(sessionID string) (*sessionEntry, error) {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return nil, errors.ErrSessionNotFound.WithMessagef("session %s not found", sessionID)
	}
	e := v.(*sessionEntry)
	if s.refresh(e) == SessionExpired {
		return nil, errors.ErrSessionNotFound.WithMessagef("session %s has expired", sessionID)
	}
	return e, nil
}

// Get 返回会话快照。
func (s *SessionStore) Get(sessionID string) (Session, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	return e.snapshot(), nil
}

// Append 追加消息，超过 MaxTurns 时丢弃最早的消息。
func (s *SessionStore) Append(sessionID string, msg Message) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status {
	case SessionClosed:
		return errors.ErrSessionClosed.WithMessagef("session %s is closed", sessionID)
	case SessionExpired:
		return errors.ErrSessionNotFound.WithMessagef("session %s has expired", sessionID)
	}

	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.RetrievedChunkIDs = slices.Clone(msg.RetrievedChunkIDs)
	e.turns = append(e.turns, msg)
	if limit := s.config.MaxTurns; limit > 0 && len(e.turns) > limit {
		e.turns = slices.Clone(e.turns[len(e.turns)-limit:])
	}
	e.lastActive = now
	return nil
}

// History 返回最近 maxTurns 条消息，按时间正序；maxTurns <= 0 返回全部。
func (s *SessionStore) History(sessionID string, maxTurns int) ([]Message, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	turns := e.turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return slices.Clone(turns), nil
}

// Close 关闭会话，重复关闭无副作用。
func (s *SessionStore) Close(sessionID string) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == SessionActive {
		e.status = SessionClosed
		e.endedAt = s.now()
		logger.Debugw("session closed", "session_id", sessionID)
	}
	return nil
}

// Acquire 为会话设置忙碌标记，同一时刻只允许一个进行中的回答。
// 返回的 release 可重复调用。
func (s *SessionStore) Acquire(sessionID string) (release func(), err error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if status == SessionClosed {
		return nil, errors.ErrSessionClosed.WithMessagef("session %s is closed", sessionID)
	}

	if !e.busy.CompareAndSwap(false, true) {
		return nil, errors.ErrSessionBusy.WithMessagef("session %s has a turn in flight", sessionID)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.lastActive = s.now()
			e.mu.Unlock()
			e.busy.Store(false)
		})
	}, nil
}

// Busy 会话是否有进行中的回答。
func (s *SessionStore) Busy(sessionID string) bool {
	v, ok := s.sessions.Load(sessionID)
	return ok && v.(*sessionEntry).busy.Load()
}

// EvictIdleSince 把最后活跃时间早于 threshold 的活跃会话标记为过期，返回数量。
// 有进行中回答的会话不会被淘汰。
func (s *SessionStore) EvictIdleSince(threshold time.Time) int {
	now := s.now()
	n := 0
	s.sessions.Range(func(_, v any) bool {
		e := v.(*sessionEntry)
		e.mu.Lock()
		if e.status == SessionActive && !e.busy.Load() && e.lastActive.Before(threshold) {
			e.status = SessionExpired
			e.endedAt = now
			n++
		}
		e.mu.Unlock()
		return true
	})
	if n > 0 {
		s.metrics.RecordSessions(0, n)
		logger.Infow("idle sessions evicted", "count", n, "threshold", threshold)
	}
	return n
}

// Purge 删除结束时间早于 threshold 的关闭或过期会话。
func (s *SessionStore) Purge(threshold time.Time) int {
	n := 0
	s.sessions.Range(func(k, v any) bool {
		e := v.(*sessionEntry)
		e.mu.Lock()
		done := e.status != SessionActive && e.endedAt.Before(threshold)
		e.mu.Unlock()
		if done && s.sessions.CompareAndDelete(k, v) {
			n++
		}
		return true
	})
	return n
}

// Sweep 执行一次清理：淘汰闲置会话并删除过了保留期的会话。
func (s *SessionStore) Sweep() (evicted, purged int) {
	now := s.now()
	if s.config.IdleTimeout > 0 {
		evicted = s.EvictIdleSince(now.Add(-s.config.IdleTimeout))
	}
	purged = s.Purge(now.Add(-s.config.RetainFor))
	return evicted, purged
}

// Run 按 SweepInterval 周期清理，直到 ctx 取消。
func (s *SessionStore) Run(ctx context.Context) {
	interval := s.config.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted, purged := s.Sweep(); evicted+purged > 0 {
				logger.Debugw("session sweep", "evicted", evicted, "purged", purged, "active", s.Count())
			}
		}
	}
}

// Count 活跃会话数。
func (s *SessionStore) Count() int {
	n := 0
	s.sessions.Range(func(_, v any) bool {
		e := v.(*sessionEntry)
		e.mu.Lock()
		if e.status == SessionActive {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}
