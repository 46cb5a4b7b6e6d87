// Package alerting 在后台循环遇到登记为需要告警的错误码时通知运维，
// 支持日志与 webhook（JSON、Slack、钉钉）渠道。
package alerting
