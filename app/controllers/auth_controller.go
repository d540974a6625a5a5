package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/session"
	"github.com/ManuelReschke/qwork/internal/pkg/usercontext"
)

type loginBody struct {
	// Login is the account email or CPF.
	Login    string `json:"login" form:"login"`
	Password string `json:"password" form:"password"`
}

type AuthController struct {
	db *gorm.DB
}

func NewAuthController(db *gorm.DB) *AuthController {
	return &AuthController{db: db}
}

// HandleAdminLogin opens an administrative session. Only active admin
// accounts may log in; every other failure gets the same answer.
func (ac *AuthController) HandleAdminLogin(c *fiber.Ctx) error {
	var body loginBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	login := strings.TrimSpace(body.Login)
	if login == "" || body.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}

	denied := func() error {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "invalid_credentials",
			"message": "There is a problem with the login process",
		})
	}

	var user models.User
	err := ac.db.WithContext(c.UserContext()).
		Where("email = ? OR cpf = ?", strings.ToLower(login), login).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return denied()
	}
	if err != nil {
		log.Errorf("[Auth] Login lookup failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	if !user.CheckPassword(body.Password) || !user.IsActive() || !user.IsAdmin() {
		return denied()
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		log.Errorf("[Auth] Session unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session_unavailable"})
	}
	if err := sess.Regenerate(); err != nil {
		log.Errorf("[Auth] Session regenerate failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session_unavailable"})
	}
	sess.Set(usercontext.AuthKey, true)
	sess.Set(usercontext.KeyUserID, user.ID)
	sess.Set(usercontext.KeyUsername, user.Name)
	sess.Set(usercontext.KeyRole, user.Role)
	if err := sess.Save(); err != nil {
		log.Errorf("[Auth] Session save failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session_unavailable"})
	}

	now := time.Now()
	if err := ac.db.WithContext(c.UserContext()).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("last_login_at", now).Error; err != nil {
		log.Warnf("[Auth] Failed to stamp last login for user %d: %v", user.ID, err)
	}

	return c.JSON(fiber.Map{
		"ok": true,
		"user": fiber.Map{
			"id":   user.ID,
			"name": user.Name,
			"role": user.Role,
		},
	})
}

// HandleAdminLogout destroys the current session.
func (ac *AuthController) HandleAdminLogout(c *fiber.Ctx) error {
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return c.JSON(fiber.Map{"ok": true})
	}
	if err := sess.Destroy(); err != nil {
		log.Errorf("[Auth] Session destroy failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session_unavailable"})
	}
	return c.JSON(fiber.Map{"ok": true})
}
