package logger

import "sync"

// Once emits a warning at most once for its lifetime. The zero value is
// ready to use and safe for concurrent use.
type Once struct {
	once sync.Once
}

// Warn logs msg on l the first time it is called and reports whether it did.
func (o *Once) Warn(l Logger, msg string, args ...any) bool {
	fired := false
	o.once.Do(func() {
		if l == nil {
			l = Default()
		}
		l.Warn(msg, args...)
		fired = true
	})
	return fired
}
