package worker

import (
	"context"
	"errors"
)

// MessageType 是页面可以发给 worker 的控制消息类型。
type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageGetVersion  MessageType = "GET_VERSION"
)

// Message 对应页面 postMessage 的负载。
type Message struct {
	Type MessageType `json:"type"`
}

// VersionReply 是 GET_VERSION 的回复。
type VersionReply struct {
	Version string `json:"version"`
}

// MessagePort 是消息的回复通道。
type MessagePort interface {
	PostMessage(v any) error
}

// ErrPortFull 表示 ChannelPort 中已有未读取的回复。
var ErrPortFull = errors.New("message port full")

// ChannelPort 基于带缓冲 channel 的 MessagePort。
type ChannelPort chan any

// NewChannelPort 返回容量为 1 的回复通道。
func NewChannelPort() ChannelPort {
	return make(ChannelPort, 1)
}

// PostMessage 非阻塞写入回复。
func (p ChannelPort) PostMessage(v any) error {
	select {
	case p <- v:
		return nil
	default:
		return ErrPortFull
	}
}

// Message 处理 SKIP_WAITING 与 GET_VERSION，其它消息忽略。
func (w *Worker) Message(ctx context.Context, msg Message, port MessagePort) error {
	fields := w.fields("sw_message")
	fields["type"] = string(msg.Type)

	switch msg.Type {
	case MessageSkipWaiting:
		w.SkipWaiting()
		w.logger.WithFields(fields).Info("sw_skip_waiting")
		return nil
	case MessageGetVersion:
		if port == nil {
			return ErrNoReplyPort
		}
		return port.PostMessage(VersionReply{Version: w.opts.CacheName})
	default:
		w.logger.WithFields(fields).Debug("sw_message_ignored")
		return nil
	}
}
