package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/缓存桶/命中状态字段，供代理请求日志复用。
func RequestFields(site, domain, cacheName, destination string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":        site,
		"domain":      domain,
		"cache_name":  cacheName,
		"destination": destination,
		"cache_hit":   cacheHit,
	}
}

// WorkerFields 描述一次 worker 生命周期事件。
func WorkerFields(action, site, cacheName, workerID string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"site":       site,
		"cache_name": cacheName,
		"worker_id":  workerID,
	}
}
