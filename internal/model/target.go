package model

import (
	"fmt"

	"github.com/and161185/securehub/internal/errs"
)

// TargetKind discriminates a GrantTarget.
type TargetKind uint8

const (
	// TargetNone is the zero value and is never a valid target.
	TargetNone TargetKind = iota
	// TargetUser grants a single user.
	TargetUser
	// TargetGroup expands to the group's members at operation time.
	TargetGroup
)

// String returns the audit label of the kind.
func (k TargetKind) String() string {
	switch k {
	case TargetUser:
		return "user"
	case TargetGroup:
		return "group"
	default:
		return "none"
	}
}

// GrantTarget is either a user or a group. Build it with UserTarget or GroupTarget.
type GrantTarget struct {
	kind TargetKind
	id   int64
}

// UserTarget addresses a single user.
func UserTarget(id int64) GrantTarget { return GrantTarget{kind: TargetUser, id: id} }

// GroupTarget addresses every current member of a group.
func GroupTarget(id int64) GrantTarget { return GrantTarget{kind: TargetGroup, id: id} }

// Kind returns the target discriminator.
func (t GrantTarget) Kind() TargetKind { return t.kind }

// ID returns the user or group id.
func (t GrantTarget) ID() int64 { return t.id }

// Validate rejects the zero value and non-positive ids.
func (t GrantTarget) Validate() error {
	if t.kind != TargetUser && t.kind != TargetGroup {
		return fmt.Errorf("%w: grant target must be a user or a group", errs.ErrValidation)
	}
	if t.id <= 0 {
		return fmt.Errorf("%w: grant target id must be positive", errs.ErrValidation)
	}
	return nil
}

// String renders the target as "user:1" or "group:2" for audit details.
func (t GrantTarget) String() string {
	return fmt.Sprintf("%s:%d", t.kind, t.id)
}

// TargetFromIDs builds a target from a loosely typed payload carrying optional user and
// group ids. Exactly one must be set.
func TargetFromIDs(userID, groupID *int64) (GrantTarget, error) {
	switch {
	case userID != nil && groupID != nil:
		return GrantTarget{}, fmt.Errorf("%w: only one of user_id or group_id is allowed", errs.ErrValidation)
	case userID != nil:
		t := UserTarget(*userID)
		return t, t.Validate()
	case groupID != nil:
		t := GroupTarget(*groupID)
		return t, t.Validate()
	default:
		return GrantTarget{}, fmt.Errorf("%w: user_id or group_id required", errs.ErrValidation)
	}
}
