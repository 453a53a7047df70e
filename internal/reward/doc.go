// Package reward 根据已完成行为的结果与验证者列表计算奖励，并交由外部支付方发放。
package reward
