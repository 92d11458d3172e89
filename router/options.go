package router

import events "github.com/goliatone/go-events"

// Option customizes a Router.
type Option func(r *Router)

// WithPatternMatcher replaces the matcher used by RoutePattern.
func WithPatternMatcher(match func(pattern, eventType string) bool) Option {
	return func(r *Router) {
		if match != nil {
			r.match = match
		}
	}
}

func WithLogger(logger events.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}
