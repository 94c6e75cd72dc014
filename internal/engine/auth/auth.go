package auth

import (
	"fmt"

	"tradeescrow/internal/config"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ForbiddenSubjectError indicates an actor acting on behalf of someone else.
type ForbiddenSubjectError struct {
	ActorID   string
	SubjectID string
}

func (e ForbiddenSubjectError) Error() string {
	return fmt.Sprintf("actor %s cannot act for %s", e.ActorID, e.SubjectID)
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
}

// AdminRole may act on behalf of any user.
const AdminRole = "admin"

// Service resolves permissions from the rbac section of escrow.yml.
type Service struct {
	Config *config.Config
}

func (s Service) Permissions(p Principal) []string {
	if s.Config == nil {
		return nil
	}
	return s.Config.Permissions(p.Roles)
}

func (s Service) HasPermission(p Principal, perm string) bool {
	for _, granted := range s.Permissions(p) {
		if granted == perm || granted == "*" {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless p holds perm.
func (s Service) Require(p Principal, perm string) error {
	if !s.HasPermission(p, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RequireSubject allows p to act for subjectID when it is the subject itself or an admin.
func (s Service) RequireSubject(p Principal, subjectID string) error {
	if subjectID == "" || p.ActorID == subjectID {
		return nil
	}
	for _, r := range p.Roles {
		if r == AdminRole {
			return nil
		}
	}
	return ForbiddenSubjectError{ActorID: p.ActorID, SubjectID: subjectID}
}
