// Package reputation 从账本历史计算智能体信誉。
//
// 每次计算生成一条不可变的评分并追加到历史中，历史从不原地修改。
// 总分与各分项始终位于 [0,100]。
package reputation
