package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	notificationIcon  = "/icon-192x192.png"
	notificationBadge = "/badge-72x72.png"

	// ActionExplore 打开站点首页；ActionClose 仅关闭通知。
	ActionExplore = "explore"
	ActionClose   = "close"
)

var (
	notificationVibrate = []int{100, 50, 100}
	urlRoot             = url.URL{Path: "/"}
)

// NotificationAction 是通知上的按钮。
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification 是 push 事件生成的用户可见通知。
type Notification struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Body      string               `json:"body,omitempty"`
	Icon      string               `json:"icon,omitempty"`
	Badge     string               `json:"badge,omitempty"`
	Vibrate   []int                `json:"vibrate,omitempty"`
	Data      json.RawMessage      `json:"data,omitempty"`
	Actions   []NotificationAction `json:"actions,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	Closed    bool                 `json:"closed"`
}

// Notifier 负责展示与关闭通知。
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, id string) error
}

// ErrNotificationNotFound 表示关闭了不存在的通知。
var ErrNotificationNotFound = errors.New("notification not found")

// PushPayload 是 push 事件的 JSON 负载。
type PushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NotificationClick 描述一次通知点击，Action 为空表示点击通知本体。
type NotificationClick struct {
	NotificationID string `json:"notification_id"`
	Action         string `json:"action"`
}

// Push 将 JSON 负载转换为带 explore/close 两个动作的通知；空负载忽略。
func (w *Worker) Push(ctx context.Context, payload []byte) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	var data PushPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPush, err)
	}

	n := Notification{
		ID:      uuid.NewString(),
		Title:   data.Title,
		Body:    data.Body,
		Icon:    notificationIcon,
		Badge:   notificationBadge,
		Vibrate: append([]int(nil), notificationVibrate...),
		Data:    data.Data,
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Explore ASMF", Icon: "/icon-explore.png"},
			{Action: ActionClose, Title: "Close", Icon: "/icon-close.png"},
		},
		CreatedAt: time.Now().UTC(),
	}
	fields := w.fields("sw_push")
	fields["notification_id"] = n.ID
	if err := w.opts.Notifier.ShowNotification(ctx, n); err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("sw_notification_failed")
		return err
	}
	return nil
}

// NotificationClick 关闭通知，explore 动作额外打开站点首页。
func (w *Worker) NotificationClick(ctx context.Context, click NotificationClick) error {
	fields := w.fields("sw_notification_click")
	fields["notification_id"] = click.NotificationID
	fields["click_action"] = click.Action

	if click.NotificationID != "" {
		err := w.opts.Notifier.CloseNotification(ctx, click.NotificationID)
		if err != nil && !errors.Is(err, ErrNotificationNotFound) {
			return err
		}
	}
	if click.Action != ActionExplore {
		w.logger.WithFields(fields).Debug("sw_notification_closed")
		return nil
	}

	target := "/"
	if w.opts.Origin != nil {
		target = w.opts.Origin.ResolveReference(&urlRoot).String()
	}
	w.logger.WithFields(fields).WithField("target", target).Info("sw_open_window")
	return w.opts.Clients.OpenWindow(ctx, target)
}

// NotificationLog 是进程内 Notifier，保存通知并写日志，供诊断接口查询。
type NotificationLog struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	items []Notification
}

// NewNotificationLog 创建进程内通知记录。
func NewNotificationLog(logger *logrus.Logger) *NotificationLog {
	return &NotificationLog{logger: logger}
}

func (l *NotificationLog) ShowNotification(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.items = append(l.items, n)
	l.mu.Unlock()
	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"action":          "notification_show",
			"notification_id": n.ID,
			"title":           n.Title,
		}).Info("notification_shown")
	}
	return nil
}

func (l *NotificationLog) CloseNotification(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].ID == id {
			l.items[i].Closed = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

// List 返回全部通知副本。
func (l *NotificationLog) List() []Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Notification(nil), l.items...)
}
