// Package refresh keeps stored guilds eventually fresh. Readers are always
// served from the store; a stale read schedules at most one background
// refresh per guild.
package refresh

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
)

// DefaultStaleAfter is how long a refreshed guild is considered fresh.
const DefaultStaleAfter = 5 * time.Minute

// Policy decides whether a stored guild needs refreshing.
type Policy struct {
	Window time.Duration
	Clock  clock.Clock
}

// NewPolicy returns a Policy; a zero window or nil clock gets the default.
func NewPolicy(window time.Duration, clk clock.Clock) Policy {
	if window <= 0 {
		window = DefaultStaleAfter
	}
	if clk == nil {
		clk = clock.New()
	}
	return Policy{Window: window, Clock: clk}
}

// IsStale reports whether g has never been refreshed or was last refreshed
// more than Window ago.
func (p Policy) IsStale(g types.Guild) bool {
	if g.LastUpdated.IsZero() {
		return true
	}
	return p.Clock.Now().Sub(g.LastUpdated) > p.Window
}
