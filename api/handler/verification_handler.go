package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"channelverify/api/middleware"
	"channelverify/internal/dto"
	"channelverify/internal/entity"
	"channelverify/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	messageInvalidCode = "invalid verification code"
	messageStaleCode   = "this code is no longer valid, request a new one"
	messageVerified    = "verified"
)

type VerificationHandler struct {
	Service  *service.VerificationService
	Validate *validator.Validate
	Logger   logrus.FieldLogger
}

func NewVerificationHandler(svc *service.VerificationService, validate *validator.Validate, logger logrus.FieldLogger) *VerificationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VerificationHandler{
		Service:  svc,
		Validate: validate,
		Logger:   logger,
	}
}

func (h *VerificationHandler) IssuePhone(c echo.Context) error {
	var req dto.PhoneVerificationRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	return h.issue(c, entity.ChannelPhone, req.PhoneNumber)
}

func (h *VerificationHandler) ConfirmPhone(c echo.Context) error {
	var req dto.PhoneConfirmRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	return h.confirm(c, entity.ChannelPhone, req.PhoneNumber, req.Code)
}

func (h *VerificationHandler) IssueEmail(c echo.Context) error {
	var req dto.EmailVerificationRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	return h.issue(c, entity.ChannelEmail, req.Email)
}

func (h *VerificationHandler) ConfirmEmail(c echo.Context) error {
	var req dto.EmailConfirmRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	return h.confirm(c, entity.ChannelEmail, req.Email, req.Token)
}

func (h *VerificationHandler) Status(c echo.Context) error {
	ownerID, ok := middleware.OwnerIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	channel := entity.ChannelKind(c.Param("channel"))
	if !channel.Valid() {
		return writeError(c, http.StatusNotFound, errors.New("unknown channel"))
	}
	status, err := h.Service.Status(c.Request().Context(), ownerID, channel)
	if err != nil {
		return h.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.StatusResponseFromService(status))
}

// DeleteAll removes every verification token of the caller.
func (h *VerificationHandler) DeleteAll(c echo.Context) error {
	ownerID, ok := middleware.OwnerIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	if err := h.Service.DeleteOwner(c.Request().Context(), ownerID); err != nil {
		return h.writeServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *VerificationHandler) issue(c echo.Context, channel entity.ChannelKind, recipient string) error {
	ownerID, ok := middleware.OwnerIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	ctx := c.Request().Context()
	token, err := h.Service.Issue(ctx, ownerID, channel, recipient)

	// One immediate resend before reporting the failure; the token stays
	// pending either way.
	var deliveryErr *service.DeliveryError
	if errors.As(err, &deliveryErr) {
		if retryErr := deliveryErr.Retry(ctx); retryErr != nil {
			deliveryErr.Discard()
			h.Logger.WithError(retryErr).WithField("token_id", deliveryErr.TokenID).Warn("verification delivery retry failed")
			return c.JSON(http.StatusBadGateway, map[string]string{
				"message": "could not deliver the verification code, try again later",
				"id":      token.ID.String(),
			})
		}
		err = nil
	}
	if err != nil {
		return h.writeServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, dto.IssueResponseFromEntity(token))
}

func (h *VerificationHandler) confirm(c echo.Context, channel entity.ChannelKind, recipient string, code string) error {
	ownerID, ok := middleware.OwnerIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	outcome, err := h.Service.Verify(c.Request().Context(), ownerID, channel, recipient, code)
	if err != nil {
		return h.writeServiceError(c, err)
	}
	switch outcome {
	case service.OutcomeSuccess:
		return c.JSON(http.StatusOK, dto.ConfirmResponse{Status: messageVerified})
	case service.OutcomeExpired, service.OutcomeExhausted:
		return c.JSON(http.StatusGone, map[string]string{"message": messageStaleCode})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"message": messageInvalidCode})
	}
}

func (h *VerificationHandler) validate(payload any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(payload)
}

func decodeJSON(c echo.Context, target any) error {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeError(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"message": err.Error()})
}

func (h *VerificationHandler) writeServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return writeError(c, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrRecipientPending):
		return writeError(c, http.StatusConflict, err)
	case errors.Is(err, service.ErrNoPendingVerification):
		return writeError(c, http.StatusNotFound, err)
	case errors.Is(err, service.ErrStorage):
		h.Logger.WithError(err).Error("verification store failure")
		return writeError(c, http.StatusServiceUnavailable, errors.New("verification temporarily unavailable"))
	}
	h.Logger.WithError(err).Error("verification request failed")
	return writeError(c, http.StatusInternalServerError, errors.New("internal error"))
}
