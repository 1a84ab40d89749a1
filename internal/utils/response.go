package utils

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// APIResponse is the envelope of every JSON body the API returns.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
}

// SendSuccess answers 200 with data.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return send(c, fiber.StatusOK, true, message, data)
}

// SendSuccessWithStatus answers a successful request with a specific status,
// such as 201 for creations or 202 for results that are not ready yet.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	return send(c, status, true, message, data)
}

// SendError answers with an error envelope. An empty message falls back to
// the status text.
func SendError(c *fiber.Ctx, status int, message string) error {
	return send(c, status, false, message, nil)
}

func send(c *fiber.Ctx, status int, success bool, message string, data interface{}) error {
	if status == 0 {
		status = fiber.StatusOK
	}
	if message == "" {
		message = "success"
		if !success {
			message = http.StatusText(status)
		}
	}

	return c.Status(status).JSON(APIResponse{
		Success: success,
		Data:    data,
		Message: message,
	})
}
