// Package migrations 以 embed 方式携带账本与信誉历史的 MySQL schema。
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

// Names 返回按文件名排序的迁移文件列表。
func Names() []string {
	matches, err := fs.Glob(Files, "*.sql")
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}
