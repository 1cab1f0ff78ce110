package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/regreport/eclbatch/internal/platform/auth"
)

// InsertAuthDeny records a rejected request against the business date or run
// it targeted, so a denied approval shows up in the run's audit trail.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	actor := strings.TrimSpace(event.Subject)
	if actor == "" {
		actor = "anonymous"
	}

	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	resourceType, resourceID := denyResource(event.Method, event.Path)
	_, err := Insert(ctx, q, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"method":  event.Method,
			"path":    event.Path,
			"status":  event.Status,
			"error":   event.Error,
			"roles":   event.Roles,
		},
	})
	return err
}

// denyResource maps /pipelines/{date}/... and /runs/{run_key}/... to their
// resource; anything else is recorded as the raw request line.
func denyResource(method, path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[1] != "" {
		switch parts[0] {
		case "pipelines":
			return ResourcePipeline, parts[1]
		case "runs":
			return ResourceRun, parts[1]
		}
	}
	return ResourceHTTP, method + " " + path
}
