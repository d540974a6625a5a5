package controllers

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
	"github.com/ManuelReschke/qwork/internal/pkg/usercontext"
)

// SubscriberActivator is the activation module as seen by the admin API.
type SubscriberActivator interface {
	Activate(ctx context.Context, req entitlements.ActivateRequest) (*entitlements.Result, error)
	Deactivate(ctx context.Context, req entitlements.DeactivateRequest) (*entitlements.Result, error)
}

type activateBody struct {
	Reason    string `json:"reason" validate:"max=500"`
	Exemption bool   `json:"exemption"`
}

type deactivateBody struct {
	Reason string `json:"reason" validate:"max=500"`
}

var bodyValidator = validator.New()

type SubscriberController struct {
	activator SubscriberActivator
}

func NewSubscriberController(a SubscriberActivator) *SubscriberController {
	return &SubscriberController{activator: a}
}

// HandleActivate activates a subscriber on behalf of the logged-in administrator.
func (sc *SubscriberController) HandleActivate(c *fiber.Ctx) error {
	id, ok := subscriberIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
	}

	var body activateBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}
	if err := bodyValidator.Struct(&body); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}

	admin := usercontext.GetUserContext(c)
	res, err := sc.activator.Activate(c.UserContext(), entitlements.ActivateRequest{
		SubscriberID: id,
		Reason:       body.Reason,
		AdminID:      admin.ActorID(),
		Exemption:    body.Exemption,
	})
	if err != nil {
		return activationError(c, err)
	}
	return c.JSON(resultBody(res))
}

// HandleDeactivate revokes a subscriber's access.
func (sc *SubscriberController) HandleDeactivate(c *fiber.Ctx) error {
	id, ok := subscriberIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
	}

	var body deactivateBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}
	if err := bodyValidator.Struct(&body); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}

	admin := usercontext.GetUserContext(c)
	res, err := sc.activator.Deactivate(c.UserContext(), entitlements.DeactivateRequest{
		SubscriberID: id,
		Reason:       body.Reason,
		AdminID:      admin.ActorID(),
	})
	if err != nil {
		return activationError(c, err)
	}
	return c.JSON(resultBody(res))
}

func subscriberIDParam(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func resultBody(res *entitlements.Result) fiber.Map {
	return fiber.Map{
		"ok":      true,
		"result":  res,
		"warning": res.Warning(),
	}
}

// activationError maps precondition failures to 404/409/422 with their code.
func activationError(c *fiber.Ctx, err error) error {
	var pe *entitlements.PreconditionError
	if !errors.As(err, &pe) {
		log.Errorf("[Activation] Request failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	status := fiber.StatusUnprocessableEntity
	switch {
	case errors.Is(pe, entitlements.ErrSubscriberNotFound):
		status = fiber.StatusNotFound
	case errors.Is(pe, entitlements.ErrSubscriberCanceled),
		errors.Is(pe, entitlements.ErrPaymentNotConfirmed):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   pe.Code(),
		"message": pe.Message,
	})
}
