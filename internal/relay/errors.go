package relay

import "errors"

// 错误分类。校验与存储错误只返回给发起方，不影响其他会话。
var (
	ErrAuthRejected    = errors.New("auth rejected")
	ErrValidation      = errors.New("validation error")
	ErrStore           = errors.New("store error")
	ErrTransportClosed = errors.New("transport closed")
	ErrShuttingDown    = errors.New("relay shutting down")
)

// 线上协议中的错误类型。
const (
	KindAuthRejected    = "AuthRejected"
	KindValidation      = "ValidationError"
	KindStore           = "StoreError"
	KindTransportClosed = "TransportClosed"
)

// KindOf 将错误映射为协议中的错误类型，未知错误按存储失败处理。
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrAuthRejected):
		return KindAuthRejected
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrShuttingDown):
		return KindTransportClosed
	default:
		return KindStore
	}
}
