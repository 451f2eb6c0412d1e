package errs_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"go-marketpay/payment/errs"

	"github.com/stretchr/testify/assert"
)

func TestCodeFollowsWrapping(t *testing.T) {
	err := fmt.Errorf("order 42: %w", errs.ErrNotFound)
	assert.Equal(t, "NOT_FOUND", errs.Code(err))
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(err))

	err = fmt.Errorf("paypal token: %w", errs.ErrExternalProvider)
	assert.Equal(t, http.StatusBadGateway, errs.HTTPStatus(err))
	assert.True(t, errs.Retryable(err))
}

func TestUnknownErrorIsInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, "INTERNAL", errs.Code(err))
	assert.Equal(t, http.StatusInternalServerError, errs.HTTPStatus(err))
	assert.False(t, errs.Retryable(err))
}

func TestSettlementPendingWinsOverCause(t *testing.T) {
	err := fmt.Errorf("settle order 7: %w: %w", errs.ErrSettlementPending, errs.ErrConfigMissing)
	assert.Equal(t, "SETTLEMENT_PENDING", errs.Code(err))
	assert.Equal(t, http.StatusAccepted, errs.HTTPStatus(err))
	assert.ErrorIs(t, err, errs.ErrConfigMissing)
}
