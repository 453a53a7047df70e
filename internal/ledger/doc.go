// Package ledger 记录智能体行为的完整生命周期：登记、验证、锚定与结果。
//
// 行为状态只允许沿 PENDING → VERIFIED → ANCHORED → COMPLETED 前进，
// 并可在非终态时进入 DISPUTED，或在 PENDING 时被 REJECTED。
// 每次状态变更都是一次带前置条件检查的原子写入。
package ledger
