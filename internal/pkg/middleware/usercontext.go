package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/session"
	"github.com/ManuelReschke/qwork/internal/pkg/usercontext"
)

// UserContextMiddleware loads the session user into Locals for every request.
// Anonymous requests get an empty UserContext.
func UserContextMiddleware(c *fiber.Ctx) error {
	store := session.GetSessionStore()
	if store == nil {
		return anonymous(c)
	}

	sess, err := store.Get(c)
	if err != nil {
		return anonymous(c)
	}

	userID, ok := sess.Get(usercontext.KeyUserID).(uint)
	if !ok || userID == 0 {
		return anonymous(c)
	}

	username, _ := sess.Get(usercontext.KeyUsername).(string)
	role, _ := sess.Get(usercontext.KeyRole).(string)
	userCtx := usercontext.UserContext{
		UserID:     userID,
		Username:   username,
		Role:       role,
		IsLoggedIn: true,
		IsAdmin:    role == models.ROLE_ADMIN,
	}
	c.Locals(usercontext.KeyUserContext, userCtx)
	c.Locals(usercontext.KeyFromProtected, true)
	c.Locals(usercontext.KeyUserID, userID)
	c.Locals(usercontext.KeyIsAdmin, userCtx.IsAdmin)

	return c.Next()
}

func anonymous(c *fiber.Ctx) error {
	c.Locals(usercontext.KeyUserContext, usercontext.UserContext{})
	c.Locals(usercontext.KeyFromProtected, false)
	c.Locals(usercontext.KeyIsAdmin, false)
	return c.Next()
}
