// Package authz maps resolved roles onto portal capabilities. Role display
// is the resolution engine's business; whether a role may actually execute
// an action is decided here.
package authz

import (
	_ "embed"
	"fmt"
	"log"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/brightpath/sessiond/internal/identity"
)

//go:embed model.conf
var casbinModelContent string

// Portal objects and actions used in capability checks.
const (
	ObjectCourses     = "courses"
	ObjectStudents    = "students"
	ObjectAssignments = "assignments"
	ObjectSubmissions = "submissions"
	ObjectReports     = "reports"

	ActionView   = "view"
	ActionManage = "manage"
	ActionSubmit = "submit"
	ActionGrade  = "grade"
)

// rolePolicies is the static capability table. Admin inherits every student
// capability through the grouping policy below.
var rolePolicies = [][3]string{
	{string(identity.RoleStudent), ObjectCourses, ActionView},
	{string(identity.RoleStudent), ObjectAssignments, ActionView},
	{string(identity.RoleStudent), ObjectAssignments, ActionSubmit},
	{string(identity.RoleStudent), ObjectSubmissions, ActionView},

	{string(identity.RoleAdmin), ObjectCourses, ActionManage},
	{string(identity.RoleAdmin), ObjectStudents, ActionView},
	{string(identity.RoleAdmin), ObjectStudents, ActionManage},
	{string(identity.RoleAdmin), ObjectSubmissions, ActionGrade},
	{string(identity.RoleAdmin), ObjectReports, ActionView},
}

// Enforcer answers capability questions for resolved identities.
type Enforcer struct {
	enforcer casbin.IEnforcer
}

// NewEnforcer creates a Casbin enforcer from the embedded RBAC model with
// the static role policies loaded.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	for _, p := range rolePolicies {
		if _, err := enforcer.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}
	if _, err := enforcer.AddGroupingPolicy(string(identity.RoleAdmin), string(identity.RoleStudent)); err != nil {
		return nil, fmt.Errorf("add role inheritance: %w", err)
	}

	return &Enforcer{enforcer: enforcer}, nil
}

// Can reports whether res may perform action on object. A nil identity can
// do nothing. A degraded identity (authorization check timed out during
// resolution) is demoted to student for enforcement: the admin role may
// still display, but elevated capability execution fails closed.
func (e *Enforcer) Can(res *identity.Resolved, object, action string) bool {
	if res == nil {
		return false
	}

	role := res.Role
	if res.Degraded && role == identity.RoleAdmin {
		role = identity.RoleStudent
	}

	allowed, err := e.enforcer.Enforce(string(role), object, action)
	if err != nil {
		log.Printf("ERROR: capability check failed (role=%s, object=%s, action=%s): %v", role, object, action, err)
		return false
	}
	return allowed
}
