package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"pdfbridge/internal/templates"
)

// TemplateService serves the template catalog.
type TemplateService struct {
	Catalog *templates.Catalog
}

// HandleList returns the active templates.
func (s *TemplateService) HandleList(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"templates": s.Catalog.Active()})
}

// HandleGet returns one template by id, active or not.
func (s *TemplateService) HandleGet(c *fiber.Ctx) error {
	t, err := s.Catalog.Get(c.Params("id"))
	if errors.Is(err, templates.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "Template not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(t)
}
