package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 描述一次被拦截的请求：策略、来源以及是否为导航请求。
func RequestFields(method, url, strategy, source string, navigate bool) logrus.Fields {
	return logrus.Fields{
		"method":   method,
		"url":      url,
		"strategy": strategy,
		"source":   source,
		"navigate": navigate,
	}
}

// LifecycleFields 描述 install/activate/sync 等生命周期事件。
func LifecycleFields(action, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": version,
		"state":         state,
	}
}
