package handlers

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/procurewatch/tender-backend/services"
	"github.com/sirupsen/logrus"
)

// TenderHandler serves the read and ops endpoints over the reconciled data.
// The pipeline itself never goes through these; they exist for the front-end
// and for operators checking run state.
type TenderHandler struct {
	store services.Store
}

// NewTenderHandler creates the HTTP handler layer
func NewTenderHandler(store services.Store) *TenderHandler {
	return &TenderHandler{store: store}
}

// RegisterRoutes mounts the API routes on the given router group
func (h *TenderHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/tenders", h.ListTenders)
	router.Get("/tenders/:reference", h.GetTender)
	router.Put("/tenders/:reference/favourite", h.SetFavourite)
	router.Get("/worker-logs", h.ListWorkerLogs)
}

// ListTenders returns tenders, optionally filtered by source; hidden rows
// are excluded unless include_hidden=true
func (h *TenderHandler) ListTenders(c *fiber.Ctx) error {
	source := c.Query("source")
	includeHidden := c.Query("include_hidden") == "true"

	tenders, err := h.store.ListTenders(c.Context(), source, includeHidden)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "tender_handler",
			"method":    "ListTenders",
		}).WithError(err).Error("Failed to list tenders")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to list tenders",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"count":   len(tenders),
		"data":    tenders,
	})
}

// GetTender returns one tender by reference, with its document metadata
func (h *TenderHandler) GetTender(c *fiber.Ctx) error {
	reference := c.Params("reference")

	tender, err := h.store.FindTenderByReference(c.Context(), reference)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "tender_handler",
			"method":    "GetTender",
			"reference": reference,
		}).WithError(err).Error("Failed to fetch tender")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to fetch tender",
		})
	}
	if tender == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "tender not found",
		})
	}

	documents, err := h.store.ListDocumentsByTender(c.Context(), tender.ID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "tender_handler",
			"method":    "GetTender",
			"reference": reference,
		}).WithError(err).Error("Failed to fetch tender documents")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to fetch tender documents",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"tender":    tender,
			"documents": documents,
		},
	})
}

// SetFavourite toggles the favourite flag on a tender. The flag is user
// state: scrape runs never touch it.
func (h *TenderHandler) SetFavourite(c *fiber.Ctx) error {
	reference := c.Params("reference")

	var payload struct {
		Favourite bool `json:"favourite"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}

	err := h.store.SetTenderFavourite(c.Context(), reference, payload.Favourite)
	if errors.Is(err, sql.ErrNoRows) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "tender not found",
		})
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "tender_handler",
			"method":    "SetFavourite",
			"reference": reference,
		}).WithError(err).Error("Failed to set favourite")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to set favourite",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"reference": reference,
			"favourite": payload.Favourite,
		},
	})
}

// ListWorkerLogs returns the most recent scrape run records
func (h *TenderHandler) ListWorkerLogs(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	logs, err := h.store.ListWorkerLogs(c.Context(), limit)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "tender_handler",
			"method":    "ListWorkerLogs",
		}).WithError(err).Error("Failed to list worker logs")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to list worker logs",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"count":   len(logs),
		"data":    logs,
	})
}
