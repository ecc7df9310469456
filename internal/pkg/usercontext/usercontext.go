package usercontext

import "github.com/gofiber/fiber/v2"

// Principal is the verified caller identity. It is either a RegularUser,
// which owns a SubscriptionRecord, or an AdminPrincipal, which does not.
type Principal interface {
	principal()
}

type RegularUser struct {
	UserID uint   `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type AdminPrincipal struct {
	Name string `json:"name"`
}

func (RegularUser) principal()    {}
func (AdminPrincipal) principal() {}

// SetPrincipal stores the caller identity on the request.
func SetPrincipal(c *fiber.Ctx, p Principal) {
	c.Locals(KeyPrincipal, p)
	switch v := p.(type) {
	case RegularUser:
		c.Locals(KeyUserID, v.UserID)
		c.Locals(KeyIsAdmin, false)
	case AdminPrincipal:
		c.Locals(KeyIsAdmin, true)
	}
}

// GetPrincipal returns the caller identity, or false for anonymous requests.
func GetPrincipal(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(KeyPrincipal).(Principal)
	return p, ok && p != nil
}

// GetRegularUser returns the caller when it is a regular user.
func GetRegularUser(c *fiber.Ctx) (RegularUser, bool) {
	p, _ := GetPrincipal(c)
	u, ok := p.(RegularUser)
	return u, ok
}

// IsAdmin checks if the current caller is the admin principal
func IsAdmin(c *fiber.Ctx) bool {
	p, _ := GetPrincipal(c)
	_, ok := p.(AdminPrincipal)
	return ok
}
