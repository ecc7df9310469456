package usercontext

// Shared Locals keys used across controllers and middlewares
const (
	KeyPrincipal = "PRINCIPAL"
	KeyUserID    = "user_id"
	KeyIsAdmin   = "isAdmin"
)
