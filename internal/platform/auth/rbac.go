package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

// Action is what a request does to the calculation state.
type Action string

const (
	ActionRead    Action = "read"
	ActionRun     Action = "run"
	ActionApprove Action = "approve"
)

// Approvers do not start pipelines and operators do not approve their own
// runs; only admin holds both.
var rolePermissions = map[string][]Action{
	RoleViewer:   {ActionRead},
	RoleOperator: {ActionRead, ActionRun},
	RoleApprover: {ActionRead, ActionApprove},
	RoleAdmin:    {ActionRead, ActionRun, ActionApprove},
}

func Allows(roles []string, action Action) bool {
	for _, role := range roles {
		for _, granted := range rolePermissions[strings.ToLower(strings.TrimSpace(role))] {
			if granted == action {
				return true
			}
		}
	}
	return false
}

func ActionForRequest(r *http.Request) Action {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	}
	if strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/approval") {
		return ActionApprove
	}
	return ActionRun
}

func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if Allows(identity.Roles, ActionForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}
