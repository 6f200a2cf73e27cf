package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig lists what the admin console may do cross-origin. Zero
// fields take the defaults applied by CORS.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

func (c CORSConfig) withDefaults() CORSConfig {
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	}
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", RequestIDHeader}
	}
	if len(c.ExposedHeaders) == 0 {
		// Content-Disposition names the file of a log export
		c.ExposedHeaders = []string{RequestIDHeader, "Content-Disposition"}
	}
	if c.MaxAge == 0 {
		c.MaxAge = 300
	}
	return c
}

// CORS stamps allow headers on responses to listed origins and ends
// preflight requests with 204. "*" allows any origin.
func CORS(config CORSConfig) func(next http.Handler) http.Handler {
	config = config.withDefaults()

	anyOrigin := false
	origins := make(map[string]struct{}, len(config.AllowedOrigins))
	for _, o := range config.AllowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		origins[strings.ToLower(o)] = struct{}{}
	}

	allow := http.Header{}
	allow.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
	allow.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
	allow.Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
	allow.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
	if config.AllowCredentials {
		allow.Set("Access-Control-Allow-Credentials", "true")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				_, listed := origins[strings.ToLower(origin)]
				if anyOrigin || listed {
					h := w.Header()
					for k, v := range allow {
						h[k] = v
					}
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "no-referrer",
	"Cache-Control":          "no-store",
}

// SecurityHeaders sets hardening headers on every response, plus HSTS over
// TLS
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodySize caps request bodies at n bytes. n <= 0 disables the cap.
func MaxBodySize(n int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
