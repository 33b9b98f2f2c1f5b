package v1

// Endpoint paths relative to the API base URL.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh"
	PathLogout   = "/auth/logout"
	PathMe       = "/me"

	// PathNotifications is the channel endpoint relative to the WS base URL.
	PathNotifications = "/ws/notifications/"
)

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse is the success body of POST /auth/refresh.
// Refresh is set only when the server rotates the renewal credential.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

// LoginResponse is the success body of login and registration.
type LoginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    *User  `json:"user,omitempty"`
}

// LogoutRequest is the body of POST /auth/logout.
type LogoutRequest struct {
	Refresh string `json:"refresh"`
}

// User is the identity body returned by GET /me and embedded in login responses.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// ErrorBody is the optional JSON body of a non-2xx response.
// Servers send either {"detail": "..."} or {"error": {"code": "...", "message": "..."}}.
type ErrorBody struct {
	Detail string    `json:"detail,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

// APIError is the nested error shape.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
