package reactor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// connStat is one connection's snapshot for the /_livestats.js feed; the
// JSON key set matches the stats JSON keys enumerated for the external
// interface.
type connStat struct {
	Since   string `json:"since"`
	FD      int    `json:"fd"`
	ID      string `json:"id"`
	URI     string `json:"uri"`
	Addr    string `json:"addr"`
	User    string `json:"user"`
	Input   int    `json:"input"`
	Read    int64  `json:"read"`
	Output  int    `json:"output"`
	Written int64  `json:"written"`
}

// connectionStats snapshots every live connection under the server's
// lock-free reactor-goroutine-only access (this is always called from
// that goroutine, while building a response body).
func (s *Server) connectionStats() []connStat {
	stats := make([]connStat, 0, len(s.connsByFD))
	for _, c := range s.connsByFD {
		uri := ""
		user := "(not authed)"
		if c.request != nil {
			uri = c.request.RequestURI
			if c.request.Credentials.Username != "" {
				user = c.request.Credentials.Username
			}
		}
		addr := ""
		if c.peer != nil {
			addr = c.peer.String()
		}
		stats = append(stats, connStat{
			Since:   c.acceptTime.UTC().Format(time.RFC3339),
			FD:      c.fd,
			ID:      c.id,
			URI:     uri,
			Addr:    addr,
			User:    user,
			Input:   len(c.inBuf),
			Read:    c.bytesReceived,
			Output:  len(c.outBuf),
			Written: c.bytesSent,
		})
	}
	return stats
}

// liveStatsJS builds the synthetic /_livestats.js body: a clear() call
// followed by one connection({...}) call per live connection.
func (s *Server) liveStatsJS() []byte {
	var buf bytes.Buffer
	buf.WriteString("clear();\n")
	for _, stat := range s.connectionStats() {
		data, err := json.Marshal(stat)
		if err != nil {
			continue
		}
		fmt.Fprintf(&buf, "connection(%s);\n", data)
	}
	return buf.Bytes()
}
