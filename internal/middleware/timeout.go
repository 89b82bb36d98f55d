package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context handed to next. Store calls made with
// it give up once d has passed.
func Timeout(d time.Duration, next http.HandlerFunc) http.HandlerFunc {
	if d <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}
