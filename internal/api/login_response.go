package api

// LoginResponse is returned when an anonymous identity is issued.
type LoginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token,omitempty"`
	Error     string `json:"error,omitempty"`
	UserID    string `json:"userId"`
	ExpiresAt int64  `json:"expiresAt,omitempty"` // unix seconds
}
