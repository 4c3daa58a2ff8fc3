// Package proxy forwards authenticated requests to the downstream domain
// services, sanitizing and injecting identity headers at the trust boundary.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/medigate/medigate/internal/config"
	"github.com/medigate/medigate/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Identity headers are owned by the gateway. Whatever the client sent is
// stripped before the verified values are injected.
var identityHeaders = []string{
	"X-User-ID",
	"X-User-Role",
	"X-User-Email",
	"X-User-First-Name",
	"X-User-Last-Name",
	"X-Token-JTI",
}

type route struct {
	cfg    config.ServiceTarget
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// Dispatcher routes requests to downstream services according to the
// declarative service table in the configuration.
type Dispatcher struct {
	routes  []*route
	timeout time.Duration
	logger  *logrus.Logger
}

func NewDispatcher(cfg *config.ProxyConfig, logger *logrus.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		timeout: cfg.Timeout,
		logger:  logger,
	}

	for _, svc := range cfg.Services {
		target, err := url.Parse(svc.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL for service %s: %w", svc.Name, err)
		}

		rt := &route{cfg: svc, target: target}
		rt.proxy = d.buildProxy(rt)
		d.routes = append(d.routes, rt)
	}

	return d, nil
}

// Register mounts every service route on the router behind the given auth
// middleware.
func (d *Dispatcher) Register(router *mux.Router, auth func(http.Handler) http.Handler) {
	for _, rt := range d.routes {
		router.PathPrefix(rt.cfg.PathPrefix).Handler(auth(d.handler(rt)))
	}
}

func (d *Dispatcher) handler(rt *route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d.timeout)
		defer cancel()

		rt.proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (d *Dispatcher) buildProxy(rt *route) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = rt.target.Scheme
			req.URL.Host = rt.target.Host
			req.Host = rt.target.Host
			req.URL.Path = rewritePath(req.URL.Path, rt.cfg.PathPrefix, rt.cfg.RewritePrefix)
			req.URL.RawPath = ""

			// Strip client-supplied identity headers, then re-inject from
			// the verified claims only. Authorization passes through
			// untouched so downstream services may re-validate.
			for _, header := range identityHeaders {
				req.Header.Del(header)
			}
			if claims := middleware.ClaimsFromContext(req.Context()); claims != nil {
				req.Header.Set("X-User-ID", claims.UserID)
				req.Header.Set("X-User-Role", claims.Role)
				req.Header.Set("X-User-Email", claims.Email)
				req.Header.Set("X-User-First-Name", claims.FirstName)
				req.Header.Set("X-User-Last-Name", claims.LastName)
				req.Header.Set("X-Token-JTI", claims.JTI)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			d.logger.WithFields(logrus.Fields{
				"method":  resp.Request.Method,
				"path":    resp.Request.URL.Path,
				"service": rt.cfg.Name,
				"status":  resp.StatusCode,
			}).Info("Proxied request")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"service": rt.cfg.Name,
			}).Error("Proxy request failed")

			// The client only learns which service failed, never why.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status":  "error",
				"message": fmt.Sprintf("%s service is unavailable", rt.cfg.Name),
				"code":    "SERVICE_UNAVAILABLE",
			})
		},
	}
}

func rewritePath(path, prefix, rewrite string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		// Not under the prefix; leave it alone.
		return path
	}
	if rest == "" {
		return rewrite
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rewrite + rest
}
