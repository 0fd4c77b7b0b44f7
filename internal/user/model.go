package user

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleStaff
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// ProfileResponse is returned by GET /api/me.
type ProfileResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Known    bool   `json:"known"`
}
