package room

import "errors"

var (
	// ErrAuthRejected is fatal for the connection.
	ErrAuthRejected = errors.New("AUTH_REJECTED")
	// ErrPermissionDenied leaves the session alive but read-only.
	ErrPermissionDenied = errors.New("PERMISSION_DENIED")
	// ErrMalformedFragment means the offending session must resync from a
	// snapshot; the room state is untouched.
	ErrMalformedFragment = errors.New("MALFORMED_FRAGMENT")
	// ErrSnapshotLoadFailed aborts room creation for every waiting joiner.
	ErrSnapshotLoadFailed = errors.New("SNAPSHOT_LOAD_FAILED")
	// ErrRoomFrozen is returned once a merge invariant violation has been
	// observed; the room rejects writes until inspected.
	ErrRoomFrozen = errors.New("ROOM_FROZEN")
	// ErrNotJoined means the session submitted before a successful join.
	ErrNotJoined = errors.New("NOT_JOINED")
)

// Permission is the access level a session holds on a document.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	}
	return "none"
}

// ParsePermission maps a wire/storage string to a Permission.
func ParsePermission(s string) Permission {
	switch s {
	case "write":
		return PermissionWrite
	case "read":
		return PermissionRead
	}
	return PermissionNone
}

// Min returns the weaker of two permissions.
func (p Permission) Min(other Permission) Permission {
	if other < p {
		return other
	}
	return p
}
