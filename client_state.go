package server

import (
	"encoding/json"
	"fmt"
	"time"
)

// Permission is an access tag carried by a connected client.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// ParsePermission validates a permission name.
func ParsePermission(name string) (Permission, error) {
	switch Permission(name) {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return Permission(name), nil
	default:
		return "", fmt.Errorf("unknown permission %q", name)
	}
}

// ClientState is the hub's record of one connected client.
type ClientState struct {
	ID          string
	Connected   bool
	LastActive  time.Time
	Permissions []Permission
}

// HasPermission reports whether the client holds p. Admin implies every
// permission.
func (s ClientState) HasPermission(p Permission) bool {
	for _, held := range s.Permissions {
		if held == p || held == PermissionAdmin {
			return true
		}
	}
	return false
}

// MarshalJSON renders lastActive as epoch milliseconds.
func (s ClientState) MarshalJSON() ([]byte, error) {
	permissions := s.Permissions
	if permissions == nil {
		permissions = []Permission{}
	}
	return json.Marshal(struct {
		ID          string       `json:"id"`
		Connected   bool         `json:"connected"`
		LastActive  int64        `json:"lastActive"`
		Permissions []Permission `json:"permissions"`
	}{s.ID, s.Connected, s.LastActive.UnixMilli(), permissions})
}

func (s ClientState) clone() ClientState {
	cloned := s
	cloned.Permissions = append([]Permission(nil), s.Permissions...)
	return cloned
}

func permissionNames(permissions []Permission) []string {
	names := make([]string, 0, len(permissions))
	for _, p := range permissions {
		names = append(names, string(p))
	}
	return names
}
