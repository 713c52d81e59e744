package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"musicchat/internal/metrics"
	"musicchat/internal/presence"
	"musicchat/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	MaxBodyLength     = 4096
	MaxHistoryPage    = 200
	observerTimeout   = 2 * time.Second
	defaultMaxPerUser = 5
)

var validate = validator.New()

type outgoing struct {
	SenderID   string `validate:"required"`
	ReceiverID string `validate:"required,nefield=SenderID"`
	Body       string `validate:"required,max=4096"`
}

// Authenticator 由外部认证方实现，返回已验证的用户标识。
type Authenticator interface {
	Verify(ctx context.Context, credentials string) (string, error)
}

// AuthFunc 让普通函数满足 Authenticator。
type AuthFunc func(ctx context.Context, credentials string) (string, error)

func (f AuthFunc) Verify(ctx context.Context, credentials string) (string, error) {
	return f(ctx, credentials)
}

type Option func(*Coordinator)

// WithObservers 注册在线状态变化的外部观察者（NATS、Redis 等）。
func WithObservers(obs ...presence.Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, obs...) }
}

// WithMaxSessionsPerUser 限制单用户并发会话数，超出时驱逐最早的会话。0 表示不限制。
func WithMaxSessionsPerUser(n int) Option {
	return func(c *Coordinator) { c.maxSessions = n }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator 负责会话注册与注销、消息的先持久化后转发，以及在线状态广播。
// 注册表是唯一的共享状态；持久化与网络写都发生在注册表锁之外。
// 在线状态事件经由单个有序队列异步发出，会话关闭因此不会被慢速的对端或观察者拖住。
type Coordinator struct {
	auth        Authenticator
	store       store.Store
	registry    *presence.Registry[*Session]
	observers   []presence.Observer
	maxSessions int
	now         func() time.Time
	closing     atomic.Bool
	seq         atomic.Uint64

	transitions sync.Mutex
	presence    *presenceQueue
	done        chan struct{}
}

func NewCoordinator(auth Authenticator, st store.Store, reg *presence.Registry[*Session], opts ...Option) *Coordinator {
	c := &Coordinator{
		auth:        auth,
		store:       st,
		registry:    reg,
		maxSessions: defaultMaxPerUser,
		now:         time.Now,
		presence:    newPresenceQueue(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go func() {
		defer close(c.done)
		c.presence.run(c.publishPresence)
	}()
	return c
}

func (c *Coordinator) Registry() *presence.Registry[*Session] { return c.registry }

// Connect 完成 Connecting -> Authenticated -> Active 的握手。
// 认证失败时写出 AuthRejected 并关闭通道，会话永远不会进入 Active。
func (c *Coordinator) Connect(ctx context.Context, credentials string, t Transport) (*Session, error) {
	if c.closing.Load() {
		_ = t.Close()
		return nil, ErrShuttingDown
	}
	userID, err := c.auth.Verify(ctx, credentials)
	if err == nil && strings.TrimSpace(userID) == "" {
		err = errors.New("empty identity")
	}
	if err != nil {
		metrics.AuthRejectedTotal.Inc()
		log.Info().Err(err).Msg("ws auth rejected")
		if b, mErr := json.Marshal(errorEvent(KindAuthRejected, "invalid credentials")); mErr == nil {
			_ = t.Write(b)
		}
		_ = t.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	s := newSession(userID, t, c.now())
	s.seq = c.seq.Add(1)
	s.onClose = c.release
	metrics.WsConnections.Inc()

	first := c.register(s)
	if !s.activate() {
		// 注册期间已被关闭，release 可能早于 register 执行，这里补一次注销避免残留。
		c.deregister(s)
		return nil, ErrTransportClosed
	}
	metrics.OnlineUsers.Set(float64(c.registry.Online()))
	log.Info().Str("user_id", userID).Str("session_id", s.ID()).Bool("first", first).Msg("session active")

	c.enforceSessionLimit(s)
	_ = c.deliver(s, onlineUsers(c.OnlineUsers(s)))
	return s, nil
}

// Handle 解析并分派一个入站帧。错误只回报给发起会话。
func (c *Coordinator) Handle(ctx context.Context, s *Session, frame []byte) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		c.reportError(s, fmt.Errorf("%w: malformed frame", ErrValidation))
		return
	}
	switch in.Type {
	case TypeSendMessage:
		if _, err := c.SendMessage(ctx, s, in.ReceiverID, in.Body); err != nil {
			c.reportError(s, err)
		}
	case TypeRequestOnlineUsers:
		_ = c.deliver(s, onlineUsers(c.OnlineUsers(s)))
	case TypeFetchHistory:
		msgs, err := c.FetchHistory(ctx, s, in.WithUserID, store.Page{Limit: in.Limit, BeforeID: in.BeforeID})
		if err != nil {
			c.reportError(s, err)
			return
		}
		_ = c.deliver(s, history(strings.TrimSpace(in.WithUserID), msgs))
	default:
		c.reportError(s, fmt.Errorf("%w: unknown event type %q", ErrValidation, in.Type))
	}
}

// SendMessage 校验、持久化，然后投递给接收方的所有活跃会话。
// 持久化成功之前不会尝试投递；接收方离线时消息仍然落盘并返回成功。
func (c *Coordinator) SendMessage(ctx context.Context, s *Session, receiverID, body string) (store.Message, error) {
	receiverID = strings.TrimSpace(receiverID)
	if err := validateOutgoing(s.UserID(), receiverID, body); err != nil {
		return store.Message{}, err
	}

	msg, err := c.store.Persist(ctx, store.Message{SenderID: s.UserID(), ReceiverID: receiverID, Body: body})
	if err != nil {
		metrics.DeliveryFailuresTotal.WithLabelValues("store").Inc()
		log.Error().Err(err).Str("sender_id", s.UserID()).Str("receiver_id", receiverID).Msg("persist message")
		return store.Message{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	metrics.WsMessagesTotal.Inc()

	delivered := c.fanOut(receiverID, messageDelivered(msg))
	_ = c.deliver(s, messageSent(msg))
	log.Debug().Uint64("message_id", msg.ID).Str("receiver_id", receiverID).Int("delivered", delivered).Msg("message relayed")
	return msg, nil
}

// OnlineUsers 返回在线用户快照，不包含请求者本人。
func (c *Coordinator) OnlineUsers(s *Session) []string {
	return c.OnlineExcept(s.UserID())
}

// OnlineExcept 返回除 userID 之外的在线用户，HTTP 接口与 WebSocket 共用。
func (c *Coordinator) OnlineExcept(userID string) []string {
	return lo.Without(c.registry.ListOnline(), userID)
}

// FetchHistory 返回请求者与 withUserID 之间的会话，按创建时间升序、ID 次序排列。
func (c *Coordinator) FetchHistory(ctx context.Context, s *Session, withUserID string, page store.Page) ([]store.Message, error) {
	withUserID = strings.TrimSpace(withUserID)
	if withUserID == "" {
		return nil, fmt.Errorf("%w: withUserId is required", ErrValidation)
	}
	if withUserID == s.UserID() {
		return nil, fmt.Errorf("%w: cannot fetch a conversation with yourself", ErrValidation)
	}
	page.Limit = lo.Clamp(page.Limit, 0, MaxHistoryPage)
	msgs, err := c.store.Conversation(ctx, s.UserID(), withUserID, page)
	if err != nil {
		log.Error().Err(err).Str("user_id", s.UserID()).Str("with_user_id", withUserID).Msg("fetch history")
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return msgs, nil
}

// Evict 强制关闭某用户的全部会话，返回关闭的数量。
func (c *Coordinator) Evict(userID string) int {
	sessions := c.registry.SessionsFor(userID)
	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		log.Info().Str("user_id", userID).Int("sessions", len(sessions)).Msg("user evicted")
	}
	return len(sessions)
}

// Shutdown 拒绝新连接并关闭所有会话，然后等待排队的在线状态事件发完。
// 关闭期间不再向对端广播离线，只通知观察者。
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.closing.Store(true)
	for _, s := range c.registry.Peers("") {
		if err := ctx.Err(); err != nil {
			c.presence.close()
			return err
		}
		s.Close()
	}
	c.presence.close()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release 是 Session.Close 的回调，每个会话只会执行一次，且不做任何网络 I/O。
func (c *Coordinator) release(s *Session) {
	last := c.deregister(s)
	metrics.WsConnections.Dec()
	metrics.OnlineUsers.Set(float64(c.registry.Online()))
	log.Info().Str("user_id", s.UserID()).Str("session_id", s.ID()).Bool("last", last).Msg("session closed")
}

// register 与 deregister 在同一把锁内完成注册表变更和事件入队，
// 事件在队列中的顺序因此与注册表的状态变化顺序一致。锁内不做 I/O。
func (c *Coordinator) register(s *Session) bool {
	c.transitions.Lock()
	defer c.transitions.Unlock()
	first := c.registry.Register(s.UserID(), s)
	if first {
		c.enqueuePresence(s.UserID(), true)
	}
	return first
}

func (c *Coordinator) deregister(s *Session) bool {
	c.transitions.Lock()
	defer c.transitions.Unlock()
	last := c.registry.Deregister(s.UserID(), s)
	if last {
		c.enqueuePresence(s.UserID(), false)
	}
	return last
}

func (c *Coordinator) enqueuePresence(userID string, online bool) {
	if !c.presence.push(presenceEvent{userID: userID, online: online}) {
		log.Warn().Str("user_id", userID).Bool("online", online).Msg("presence event dropped after shutdown")
	}
}

// enforceSessionLimit 在会话数超限时驱逐最早建立的会话，清理残留的幽灵连接。
// 刚建立的会话 s 不参与驱逐；时间戳相同时按建立顺序比较。
func (c *Coordinator) enforceSessionLimit(s *Session) {
	if c.maxSessions <= 0 {
		return
	}
	sessions := c.registry.SessionsFor(s.UserID())
	excess := len(sessions) - c.maxSessions
	if excess <= 0 {
		return
	}
	candidates := lo.Without(sessions, s)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ConnectedAt().Equal(b.ConnectedAt()) {
			return a.ConnectedAt().Before(b.ConnectedAt())
		}
		return a.seq < b.seq
	})
	for _, old := range candidates[:excess] {
		log.Info().Str("user_id", s.UserID()).Str("session_id", old.ID()).Msg("evict oldest session")
		old.Close()
	}
}

// publishPresence 在队列消费协程中执行：先推给在线的对端，再通知外部观察者。
func (c *Coordinator) publishPresence(ev presenceEvent) {
	if !c.closing.Load() {
		delta := presenceDelta(ev.userID, ev.online)
		for _, peer := range c.registry.Peers(ev.userID) {
			_ = c.deliver(peer, delta)
		}
		metrics.PresenceBroadcastsTotal.WithLabelValues(strconv.FormatBool(ev.online)).Inc()
	}
	for _, o := range c.observers {
		ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
		if err := o.PresenceChanged(ctx, ev.userID, ev.online); err != nil {
			log.Warn().Err(err).Str("user_id", ev.userID).Bool("online", ev.online).Msg("presence observer")
		}
		cancel()
	}
}

func (c *Coordinator) fanOut(userID string, ev any) int {
	delivered := 0
	for _, s := range c.registry.SessionsFor(userID) {
		if c.deliver(s, ev) == nil {
			delivered++
		}
	}
	return delivered
}

// deliver 在单个会话边界内隔离失败：写失败或 panic 都只关闭该会话。
func (c *Coordinator) deliver(s *Session, ev any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic during send: %v", ErrTransportClosed, r)
			log.Error().Str("session_id", s.ID()).Interface("panic", r).Msg("session send panic")
			metrics.DeliveryFailuresTotal.WithLabelValues("panic").Inc()
			s.Close()
		}
	}()
	if err = s.Send(ev); err != nil {
		metrics.DeliveryFailuresTotal.WithLabelValues("transport").Inc()
		log.Warn().Err(err).Str("user_id", s.UserID()).Str("session_id", s.ID()).Msg("session send")
		s.Close()
	}
	return err
}

func (c *Coordinator) reportError(s *Session, err error) {
	kind := KindOf(err)
	if kind == KindTransportClosed {
		return
	}
	detail := err.Error()
	if kind == KindStore {
		detail = "message could not be stored"
	}
	_ = c.deliver(s, errorEvent(kind, detail))
}

func validateOutgoing(senderID, receiverID, body string) error {
	err := validate.Struct(outgoing{SenderID: senderID, ReceiverID: receiverID, Body: strings.TrimSpace(body)})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fe := verrs[0]
	switch fe.Field() + "." + fe.Tag() {
	case "ReceiverID.required":
		return fmt.Errorf("%w: receiverId is required", ErrValidation)
	case "ReceiverID.nefield":
		return fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	case "Body.required":
		return fmt.Errorf("%w: body must not be empty", ErrValidation)
	case "Body.max":
		return fmt.Errorf("%w: body exceeds %d characters", ErrValidation, MaxBodyLength)
	default:
		return fmt.Errorf("%w: %s failed %s", ErrValidation, fe.Field(), fe.Tag())
	}
}
