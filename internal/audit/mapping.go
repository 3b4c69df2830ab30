package audit

import (
	"strings"

	"constellation/backend/internal/telemetry"
)

// ActionResource holds the action and resource recorded for an audit entry.
type ActionResource struct {
	Action   string
	Resource string
}

var eventActions = map[string]ActionResource{
	telemetry.EventLoginSucceeded:      {Action: "login", Resource: "session"},
	telemetry.EventLoginFailed:         {Action: "login_failure", Resource: "user"},
	telemetry.EventTokenRotated:        {Action: "rotate", Resource: "session"},
	telemetry.EventRefreshRejected:     {Action: "refresh_rejected", Resource: "session"},
	telemetry.EventRefreshReuse:        {Action: "reuse_detected", Resource: "session"},
	telemetry.EventLogout:              {Action: "logout", Resource: "session"},
	telemetry.EventSessionsInvalidated: {Action: "revoke_all", Resource: "session"},
	telemetry.EventUserSignedUp:        {Action: "create", Resource: "user"},
	telemetry.EventUserVerified:        {Action: "verify", Resource: "user"},
}

// ForEvent returns the action and resource for a security event. Access denials
// carry the gRPC full method in Detail and are mapped through ParseFullMethod.
func ForEvent(event *telemetry.SecurityEvent) ActionResource {
	if event == nil {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	if ar, ok := eventActions[event.Type]; ok {
		return ar
	}
	if event.Type == telemetry.EventAccessDenied && strings.HasPrefix(event.Detail, "/") {
		ar := ParseFullMethod(event.Detail)
		ar.Action = "denied_" + ar.Action
		return ar
	}
	return ActionResource{Action: event.Type, Resource: "unknown"}
}

// ParseFullMethod returns action and resource for a gRPC full method (e.g. /constellation.auth.v1.TokenService/ValidateToken).
// Action is a verb: get, list, create, update, delete, validate, or a lowercase method name for others.
// Resource is derived from the service name (e.g. TokenService -> token).
func ParseFullMethod(fullMethod string) ActionResource {
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	beforeSlash := fullMethod[:slash]
	dot := strings.LastIndex(beforeSlash, ".")
	if dot < 0 {
		return ActionResource{Action: strings.ToLower(method), Resource: "unknown"}
	}
	return ActionResource{Action: methodToAction(method), Resource: serviceToResource(beforeSlash[dot+1:])}
}

func serviceToResource(serviceName string) string {
	s := strings.TrimSuffix(serviceName, "Service")
	if s == "" {
		return "unknown"
	}
	return strings.ToLower(s[0:1]) + s[1:]
}

func methodToAction(method string) string {
	switch {
	case strings.HasPrefix(method, "Get") && method != "Get":
		return "get"
	case strings.HasPrefix(method, "List"):
		return "list"
	case strings.HasPrefix(method, "Create"):
		return "create"
	case strings.HasPrefix(method, "Update"):
		return "update"
	case strings.HasPrefix(method, "Delete"):
		return "delete"
	case strings.HasPrefix(method, "Validate"):
		return "validate"
	case strings.HasPrefix(method, "Revoke"):
		return "revoke"
	default:
		return strings.ToLower(method)
	}
}
