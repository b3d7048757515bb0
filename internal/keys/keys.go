// Package keys centralizes Redis key construction for the distributed driver.
// It is kept in internal to avoid leaking key formats to the public API.
//
// A job lives under "<state>:<queue>/<uuid>"; the state prefix is the only
// place its lifecycle state is recorded.
package keys

import (
	"strings"

	"github.com/UniQw/jobq/driver"
)

// Job returns the key of a job in the given state.
func Job(s driver.State, queue, uuid string) string {
	return string(s) + ":" + queue + "/" + uuid
}

// Lock returns the name of the mutex guarding a single job.
func Lock(queue, uuid string) string { return "lock:" + queue + "/" + uuid }

// IDLock returns the name of the mutex guarding a uuid while it is stored.
func IDLock(uuid string) string { return "lock-id:" + uuid }

// InQueue returns a SCAN MATCH pattern for every job of queue in state s.
func InQueue(s driver.State, queue string) string {
	return string(s) + ":" + escape(queue) + "/*"
}

// ByUUID returns a SCAN MATCH pattern for a job uuid in state s, whatever
// its queue.
func ByUUID(s driver.State, uuid string) string {
	return string(s) + ":*/" + escape(uuid)
}

// All returns a SCAN MATCH pattern covering every job in state s.
func All(s driver.State) string { return string(s) + ":*" }

// Parse splits a job key into its parts. Queue names may contain '/' and ':';
// the uuid is everything after the last '/'.
func Parse(key string) (s driver.State, queue, uuid string, ok bool) {
	colon := strings.IndexByte(key, ':')
	if colon <= 0 {
		return "", "", "", false
	}
	switch st := driver.State(key[:colon]); st {
	case driver.StateAvailable, driver.StateReserved, driver.StateFailed:
		s = st
	default:
		return "", "", "", false
	}
	rest := key[colon+1:]
	slash := strings.LastIndexByte(rest, '/')
	if slash < 0 || slash == len(rest)-1 {
		return "", "", "", false
	}
	return s, rest[:slash], rest[slash+1:], true
}

// escape quotes glob metacharacters so user-supplied names match literally.
func escape(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
