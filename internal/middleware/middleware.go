// Package middleware holds the fastglue middlewares shared by the server:
// request logging, CORS, security headers, panic recovery, and the static
// bearer token guarding the admin API.
package middleware

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
)

// RequestLogger records the request start time and logs the request line
func RequestLogger(log logf.Logger) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		r.RequestCtx.SetUserValue("request_start", time.Now())
		log.Debug("request",
			"method", string(r.RequestCtx.Method()),
			"path", string(r.RequestCtx.Path()),
		)
		return r
	}
}

// ParseAllowedOrigins parses a comma-separated list of allowed origins into a set.
func ParseAllowedOrigins(allowedOrigins string) map[string]bool {
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins[o] = true
		}
	}
	return origins
}

// IsOriginAllowed checks if origin is in the allowed set.
// If no origins are configured, all origins are allowed (development mode).
func IsOriginAllowed(origin string, allowedOrigins map[string]bool) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	return allowedOrigins[origin]
}

// CORS handles Cross-Origin Resource Sharing with origin validation.
func CORS(allowedOrigins map[string]bool) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		origin := string(r.RequestCtx.Request.Header.Peek("Origin"))

		if origin != "" && IsOriginAllowed(origin, allowedOrigins) {
			r.RequestCtx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			r.RequestCtx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
		}
		// A disallowed origin gets no Access-Control-Allow-Origin header,
		// which causes the browser to block the response.

		r.RequestCtx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		r.RequestCtx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		r.RequestCtx.Response.Header.Set("Access-Control-Max-Age", "86400")

		return r
	}
}

// SecurityHeaders adds standard security headers to every response.
func SecurityHeaders() fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		h := &r.RequestCtx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("X-XSS-Protection", "0")
		return r
	}
}

// Recovery recovers from panics
func Recovery(log logf.Logger) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered", "error", err, "path", string(r.RequestCtx.Path()))
				r.RequestCtx.SetStatusCode(fasthttp.StatusInternalServerError)
				r.RequestCtx.SetBodyString(`{"status":"error","message":"Internal server error"}`)
			}
		}()
		return r
	}
}

// APIToken guards the admin API with a static bearer token. An empty
// configured token leaves the API open, which is only sensible in
// development. Webhook endpoints are not behind this: Meta authenticates
// with its own verify token.
func APIToken(token string) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		if token == "" {
			return r
		}

		authHeader := string(r.RequestCtx.Request.Header.Peek("Authorization"))
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			_ = r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "Missing or malformed authorization header", nil, "")
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			_ = r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "Invalid API token", nil, "")
			return nil
		}
		return r
	}
}
