package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Observer 接收在线状态变化。调用方在注册表锁之外以 fire-and-forget 方式通知。
type Observer interface {
	PresenceChanged(ctx context.Context, userID string, online bool) error
}

// Change 是发布到外部总线的在线状态事件。
type Change struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher 将在线状态变化发布到 <prefix>.online / <prefix>.offline。
type NATSPublisher struct {
	pub    publisher
	prefix string
	now    func() time.Time
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return newNATSPublisher(nc, prefix)
}

func newNATSPublisher(pub publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "presence"
	}
	return &NATSPublisher{pub: pub, prefix: prefix, now: time.Now}
}

// ConnectNATS 建立一个无限重连的 NATS 连接。
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("musicchat-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func (p *NATSPublisher) Subject(online bool) string {
	if online {
		return p.prefix + ".online"
	}
	return p.prefix + ".offline"
}

func (p *NATSPublisher) PresenceChanged(_ context.Context, userID string, online bool) error {
	b, err := json.Marshal(Change{UserID: userID, Online: online, At: p.now().UTC()})
	if err != nil {
		return err
	}
	return p.pub.Publish(p.Subject(online), b)
}

// RedisMirror 在 Redis 集合中镜像在线用户，供其他进程读取。
type RedisMirror struct {
	client redis.Cmdable
	key    string
}

func NewRedisMirror(client redis.Cmdable, prefix string) *RedisMirror {
	return &RedisMirror{client: client, key: prefix + "online"}
}

func (m *RedisMirror) PresenceChanged(ctx context.Context, userID string, online bool) error {
	if online {
		return m.client.SAdd(ctx, m.key, userID).Err()
	}
	return m.client.SRem(ctx, m.key, userID).Err()
}

// Reset 清空镜像集合。进程启动时调用，丢弃上次崩溃遗留的在线记录。
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}

func (m *RedisMirror) Members(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.key).Result()
}
