package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 target/namespace/磁带命中字段，供代理请求日志复用。
func RequestFields(target, domain, namespace, tape string, replayed bool) logrus.Fields {
	return logrus.Fields{
		"target":    target,
		"domain":    domain,
		"namespace": namespace,
		"tape":      tape,
		"replayed":  replayed,
	}
}

// NamespaceFields 用于 set/reset 等管理操作的日志字段。
func NamespaceFields(action, target, namespace string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"target":    target,
		"namespace": namespace,
	}
}
