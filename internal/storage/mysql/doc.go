// Package mysql 提供 MySQL 连接池与嵌入式 schema 迁移，账本与信誉历史的
// MySQL 存储都建立在这里打开的连接之上。
package mysql
