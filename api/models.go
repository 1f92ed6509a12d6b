package api

import (
	"time"

	"github.com/azisaba/commander/storage"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the session token in State.
type LoginResponse struct {
	State         string `json:"state"`
	Message       string `json:"message"`
	WaitTwoFactor bool   `json:"wait_2fa"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

type TwoFactorRequest struct {
	Token string `json:"token"`
}

type UserResponse struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Group       string    `json:"group"`
	Permissions []string  `json:"permissions"`
	TwoFactor   bool      `json:"two_factor"`
	CreatedAt   time.Time `json:"created_at"`
}

func toUserResponse(u *storage.User) UserResponse {
	perms := u.Permissions
	if perms == nil {
		perms = []string{}
	}
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Group:       u.Group,
		Permissions: perms,
		TwoFactor:   u.HasTwoFactor(),
		CreatedAt:   u.CreatedAt,
	}
}

type MeResponse struct {
	UserResponse
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
	PaginationMeta
}

type GroupRequest struct {
	Group string `json:"group"`
}

type GroupResponse struct {
	Group string `json:"group"`
}

type PermissionRequest struct {
	Permission string `json:"permission"`
}

type PermissionsResponse struct {
	Permissions []string `json:"permissions"`
}
