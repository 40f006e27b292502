package worker

import (
	"context"
	"time"
)

// BackgroundSyncTag 是唯一会触发后台同步的 tag。
const BackgroundSyncTag = "background-sync"

// Sync 处理后台同步事件；目前只是一次可取消的定长等待，为离线表单回放预留入口。
func (w *Worker) Sync(ctx context.Context, tag string) error {
	fields := w.fields("sw_sync")
	fields["tag"] = tag
	if tag != BackgroundSyncTag {
		w.logger.WithFields(fields).Debug("sw_sync_ignored")
		return nil
	}

	w.logger.WithFields(fields).Info("sw_sync_start")
	started := time.Now()
	if delay := w.opts.SyncDelay; delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			w.logger.WithFields(fields).WithError(ctx.Err()).Warn("sw_sync_aborted")
			return ctx.Err()
		case <-timer.C:
		}
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("sw_sync_complete")
	return nil
}
