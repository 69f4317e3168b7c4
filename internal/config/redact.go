package config

import (
	"net/url"
	"regexp"
	"strings"
)

var passwordKVRe = regexp.MustCompile(`(password\s*=\s*)\S+`)

// RedactDSN replaces the password in a connection string with [REDACTED]
// for logging. It handles URL form (postgres://u:p@h/db, redis://:p@h) and
// key=value form (user=x password=y).
func RedactDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "[REDACTED]")
				return u.String()
			}
			return dsn
		}
	}
	return passwordKVRe.ReplaceAllString(dsn, "${1}[REDACTED]")
}
