package swproxy

import (
	"net/http"
	"time"
)

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// URL is the absolute request URL the response was fetched for.
	URL string
}

func (e CacheEntry) ok() bool {
	return e.Status >= 200 && e.Status < 300
}

func (e CacheEntry) clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// size approximates the in-memory footprint used by the RAM tier.
func (e CacheEntry) size() int64 {
	n := int64(len(e.Body) + len(e.URL))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Notification is what the push handler hands to the notification surface.
type Notification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Icon      string           `json:"icon"`
	Badge     string           `json:"badge"`
	Data      NotificationData `json:"data"`
	CreatedAt time.Time        `json:"createdAt"`
}

type NotificationData struct {
	URL string `json:"url"`
}
