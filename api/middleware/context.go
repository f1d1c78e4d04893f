package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const contextOwnerIDKey = "verification_owner_id"

func SetOwnerContext(c echo.Context, ownerID uuid.UUID) {
	c.Set(contextOwnerIDKey, ownerID)
}

func OwnerIDFromContext(c echo.Context) (uuid.UUID, bool) {
	value := c.Get(contextOwnerIDKey)
	ownerID, ok := value.(uuid.UUID)
	return ownerID, ok
}
