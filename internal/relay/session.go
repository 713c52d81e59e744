package relay

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State 是单个连接的协议状态，Closed 为终态。
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport 是网络层拥有的底层通道，Session 只持有引用。
type Transport interface {
	Write(frame []byte) error
	Close() error
}

// Session 是一个已认证用户的一条活跃连接。断线重连总是创建新的 Session。
type Session struct {
	id          string
	seq         uint64
	userID      string
	connectedAt time.Time
	transport   Transport
	state       atomic.Int32
	onClose     func(*Session)
}

func newSession(userID string, t Transport, now time.Time) *Session {
	s := &Session{
		id:          uuid.NewString(),
		userID:      userID,
		connectedAt: now,
		transport:   t,
	}
	s.state.Store(int32(StateAuthenticated))
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) UserID() string         { return s.userID }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) State() State           { return State(s.state.Load()) }

func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive))
}

// Send 编码并写出一个事件。通道已关闭或写失败时返回 ErrTransportClosed，
// 调用方应当视为断线而不是重试。
func (s *Session) Send(ev any) error {
	if s.State() == StateClosed {
		return ErrTransportClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.transport.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Close 幂等且不阻塞：无论来自本地、远端断开还是驱逐，清理只执行一次。
func (s *Session) Close() {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	_ = s.transport.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}
