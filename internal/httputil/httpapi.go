package httputil

import (
	"crypto/subtle"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BasicAuth holds a single username/password pair used to protect
// internal endpoints (metrics, health) from unauthenticated access.
type BasicAuth struct {
	Username string
	Password string
}

// WrapHandlerInBasicAuth wraps h so that it only serves requests that
// present HTTP basic auth matching b. If either the username or the
// password in b is empty, auth is not enforced and every request is let
// through.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, req)
			return
		}

		user, pass, ok := req.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, req)
	}
}

var clientAPIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dendrite",
		Subsystem: "clientapi",
		Name:      "request_duration_seconds",
		Help:      "Histogram of request handling duration by handler name",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	},
	[]string{"handler"},
)

var registerHTTPAPIMetrics sync.Once

func init() {
	registerHTTPAPIMetrics.Do(func() {
		prometheus.MustRegister(clientAPIRequestDuration)
	})
}

// MakeHTTPAPI wraps a handler function so that it is timed and
// recorded under the given metrics name. If enableMetrics is false
// the handler runs unwrapped aside from the duration observation
// still being skipped. ba, when non-nil, gates the handler behind
// basic auth before metrics are observed.
func MakeHTTPAPI(metricsName string, ba *BasicAuth, enableMetrics bool, f http.HandlerFunc) http.Handler {
	var handler http.Handler = f
	if enableMetrics {
		handler = promhttp.InstrumentHandlerDuration(
			clientAPIRequestDuration.MustCurryWith(prometheus.Labels{"handler": metricsName}),
			f,
		)
	}
	if ba != nil {
		handler = WrapHandlerInBasicAuth(handler, *ba)
	}
	return handler
}
