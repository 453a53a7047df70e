// Package api 通过 REST 接口暴露行为账本、奖励、信誉与工作室任务图。
// 处理器只负责参数解析与错误码映射，业务语义全部留在核心包中。
package api
