package event

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an ordered set of string tags describing one kernel boot. Keys
// keep their insertion order.
type Event struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]string
}

func New() *Event {
	return &Event{
		keys: []string{"time", "event_id"},
		vals: map[string]string{
			"time":     time.Now().UTC().Format(time.RFC3339Nano),
			"event_id": uuid.NewString(),
		},
	}
}

func (src *Event) Copy() *Event {
	dst := New()
	dst.CopyFrom(src)
	return dst
}

// CopyFrom copies all tags from src except "time" and "event_id". If a key
// already exists in dst, it will be overwritten.
func (dst *Event) CopyFrom(src *Event) {
	if src == nil {
		return
	}

	src.mu.RLock()
	defer src.mu.RUnlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for _, key := range src.keys {
		switch key {
		case "time":
		case "event_id":
		default:
			dst.setLocked(key, src.vals[key])
		}
	}
}

func (ev *Event) Set(key string, val string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.setLocked(key, val)
}

func (ev *Event) setLocked(key string, val string) {
	if ev.vals == nil {
		ev.vals = make(map[string]string)
	}

	if _, ok := ev.vals[key]; ok {
		ev.vals[key] = val
		return
	}

	ev.keys = append(ev.keys, key)
	ev.vals[key] = val
}

func (ev *Event) Get(key string) string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	val, _ := ev.vals[key]
	return val
}

// Map returns the tags as a plain map.
func (ev *Event) Map() map[string]string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	m := make(map[string]string, len(ev.keys))
	for _, key := range ev.keys {
		m[key] = ev.vals[key]
	}
	return m
}

func (ev *Event) String() string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	var arr []string
	for _, key := range ev.keys {
		arr = append(arr, fmt.Sprintf("%s=%q", key, ev.vals[key]))
	}
	return strings.Join(arr, " ")
}
