// Package iox provides cleanup helpers for files and streams whose errors
// are unactionable.
package iox

import (
	"io"
	"os"
	"sync"
)

// DiscardClose closes c and discards the error.
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DiscardErr calls fn and discards the returned error.
func DiscardErr(fn func() error) { _ = fn() }

// DiscardRemove removes path, ignoring every error.
func DiscardRemove(path string) { _ = os.Remove(path) }

// RemoveFunc returns a cleanup function that removes path once, however
// often it is called.
func RemoveFunc(path string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { DiscardRemove(path) })
	}
}
