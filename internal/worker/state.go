package worker

import "errors"

// State 对应 worker 生命周期阶段。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

var (
	// ErrInstallFailed 表示种子资源未能全部写入，worker 进入 redundant。
	ErrInstallFailed = errors.New("worker install failed")
	// ErrNetwork 表示回源失败且没有可用的离线兜底。
	ErrNetwork = errors.New("network request failed")
	// ErrAborted 表示调用方在事件完成前放弃等待，应按网络失败处理。
	ErrAborted = errors.New("event aborted")
	// ErrNoActiveWorker 表示注册表中没有可处理事件的 worker。
	ErrNoActiveWorker = errors.New("no active worker")
	// ErrInvalidState 表示生命周期方法在错误阶段被调用。
	ErrInvalidState = errors.New("invalid worker state")
	// ErrNoReplyPort 表示 GET_VERSION 消息缺少回复通道。
	ErrNoReplyPort = errors.New("message requires a reply port")
	// ErrInvalidPush 表示 push 负载不是合法 JSON。
	ErrInvalidPush = errors.New("invalid push payload")
)
