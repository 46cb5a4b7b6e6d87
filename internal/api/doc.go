// Package api 提供证书库的 HTTP 接口：证书记录查询与同步抓取、任务池管理、
// 健康检查与指标，以及前端静态页面。处理器只做参数解析与状态码映射，业务逻辑
// 全部委托给 task 与 coin 服务。
package api
