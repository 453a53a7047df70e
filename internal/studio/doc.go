// Package studio 管理工作室及其任务图。
//
// 任务只能依赖同一任务图中已存在的任务，因此依赖关系天然无环。
// 任务按能力与依赖完成情况被贪心地分配给智能体。
package studio
