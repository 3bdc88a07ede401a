package reactor

import "github.com/lithammer/shortuuid/v4"

// newConnectionID mints a short, URL-safe, collision-resistant id for a
// newly accepted Connection, used in log lines and the stats feed.
func newConnectionID() string {
	return shortuuid.New()
}
