// Package middleware provides HTTP middleware components for the Runplane API.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeRFC7807Error writes an RFC 7807 problem+json error response from
// middleware, before requests reach the handler-level error helpers.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	// Map status code to title
	var title string

	switch statusCode {
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	case http.StatusServiceUnavailable:
		title = "Service Unavailable"
	default:
		title = http.StatusText(statusCode)
	}

	problem := map[string]interface{}{
		"type":           fmt.Sprintf("https://runplane.io/problems/%d", statusCode),
		"title":          title,
		"status":         statusCode,
		"detail":         detail,
		"instance":       r.URL.Path,
		"correlation_id": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
