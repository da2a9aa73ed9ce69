package fsutil

import "errors"

var ErrLocked = errors.New("file is locked by another process")

// Lock is an exclusive advisory lock held on a file for the lifetime of a
// durable backend.
type Lock struct {
	path    string
	release func() error
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}
