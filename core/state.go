package core

import "time"

// Marker is one stored session marker (xbit) slot.
type Marker struct {
	Name    string    `msgpack:"n"`
	Src     string    `msgpack:"s"`
	Dst     string    `msgpack:"d"`
	Active  bool      `msgpack:"a"`
	SetAt   time.Time `msgpack:"t"`
	Expires time.Time `msgpack:"e"`
}

// Live reports whether the marker is active and not yet expired at now.
func (m *Marker) Live(now time.Time) bool {
	return m.Active && now.Before(m.Expires)
}

// RateEntry is one windowed counter slot of a rate-control table.
type RateEntry struct {
	GID    uint64        `msgpack:"gid"`
	SID    uint64        `msgpack:"sid"`
	Policy string        `msgpack:"p"`
	Key    string        `msgpack:"k"`
	Count  int           `msgpack:"c"`
	Last   time.Time     `msgpack:"l"`
	Window time.Duration `msgpack:"w"`
}

// Stale reports whether the entry's window has elapsed at now.
func (e *RateEntry) Stale(now time.Time) bool {
	return now.Sub(e.Last) > e.Window
}

// Touch applies one observation at now and returns the new count.
// The count restarts at 1 when the window has elapsed since the last update.
func (e *RateEntry) Touch(now time.Time) int {
	e.Count++
	if now.Sub(e.Last) > e.Window {
		e.Count = 1
	}
	e.Last = now
	return e.Count
}
