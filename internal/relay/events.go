package relay

import "musicchat/internal/store"

// 入站事件类型。
const (
	TypeSendMessage        = "sendMessage"
	TypeRequestOnlineUsers = "requestOnlineUsers"
	TypeFetchHistory       = "fetchHistory"
)

// 出站事件类型。
const (
	TypeMessageDelivered = "messageDelivered"
	TypeMessageSent      = "messageSent"
	TypePresenceDelta    = "presenceDelta"
	TypeOnlineUsers      = "onlineUsers"
	TypeHistory          = "history"
	TypeError            = "error"
)

// Inbound 是客户端发来的帧，按 Type 解释其余字段。
type Inbound struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId,omitempty"`
	Body       string `json:"body,omitempty"`
	WithUserID string `json:"withUserId,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	BeforeID   uint64 `json:"beforeId,omitempty"`
}

type MessageEvent struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

type PresenceDelta struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type OnlineUsers struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type History struct {
	Type       string          `json:"type"`
	WithUserID string          `json:"withUserId"`
	Messages   []store.Message `json:"messages"`
}

type ErrorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type ErrorEvent struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

func messageDelivered(m store.Message) MessageEvent {
	return MessageEvent{Type: TypeMessageDelivered, Message: m}
}

func messageSent(m store.Message) MessageEvent {
	return MessageEvent{Type: TypeMessageSent, Message: m}
}

func presenceDelta(userID string, online bool) PresenceDelta {
	return PresenceDelta{Type: TypePresenceDelta, UserID: userID, Online: online}
}

func onlineUsers(users []string) OnlineUsers {
	if users == nil {
		users = []string{}
	}
	return OnlineUsers{Type: TypeOnlineUsers, Users: users}
}

func history(withUserID string, msgs []store.Message) History {
	if msgs == nil {
		msgs = []store.Message{}
	}
	return History{Type: TypeHistory, WithUserID: withUserID, Messages: msgs}
}

func errorEvent(kind, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: ErrorBody{Kind: kind, Detail: detail}}
}
