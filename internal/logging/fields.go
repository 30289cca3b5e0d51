package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// EventFields 描述一次生命周期事件（install/activate）所属的注册与缓存代际。
func EventFields(event, registration, generation, workerID string) logrus.Fields {
	return logrus.Fields{
		"action":       event,
		"registration": registration,
		"generation":   generation,
		"worker_id":    workerID,
	}
}

// FetchFields 提供 fetch 事件的分类与命中来源字段，供代理请求日志复用。
func FetchFields(registration, method, url, disposition, source string) logrus.Fields {
	return logrus.Fields{
		"action":       "fetch",
		"registration": registration,
		"method":       method,
		"url":          url,
		"disposition":  disposition,
		"source":       source,
		"cache_hit":    source == "cache",
	}
}
