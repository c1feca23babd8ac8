package proxy

import "time"

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

// Timeouts is the per-attempt connect/read pair. This is the only timeout
// control an operation has: there is no out-of-band cancel once an attempt
// is on the wire.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

func (t Timeouts) orDefaults() Timeouts {
	if t.Connect == 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Read == 0 {
		t.Read = DefaultReadTimeout
	}
	return t
}

// or fills unset fields from the fallback pair.
func (t Timeouts) or(fallback Timeouts) Timeouts {
	if t.Connect == 0 {
		t.Connect = fallback.Connect
	}
	if t.Read == 0 {
		t.Read = fallback.Read
	}
	return t
}

// RequestSpec describes one logical proxy call. The dispatcher builds a
// fresh *http.Request from it on every physical attempt, so a spec is
// never mutated mid-flight.
type RequestSpec struct {
	Method   string
	URL      string
	Header   map[string]string
	Body     []byte
	Timeouts Timeouts
}

// Response is a fully drained proxy response. The dispatcher reads the
// body before returning so agents can parse it without owning a stream.
type Response struct {
	StatusCode int
	Body       []byte
}
