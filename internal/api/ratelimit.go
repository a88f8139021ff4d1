package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
)

// rateLimited bounds how often one client may issue control requests.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ControlRateLimit <= 0 {
			next(w, r)
			return
		}
		key := clientKey(r)
		wait, ok := s.limiter.Reserve(key, s.cfg.ControlRateLimit, s.cfg.ControlRateInterval)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded",
				"retry in "+strconv.Itoa(max(secs, 1))+"s")
			s.record(r, "ratelimit", r.URL.Path, http.StatusTooManyRequests, nil, nil)
			return
		}
		next(w, r)
	}
}

// clientKey identifies the caller by host, so one client's connections
// share a bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
