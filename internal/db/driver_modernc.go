//go:build !sqlite_cgo

package db

import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
