package resilience

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daloraclehub/dalcore/internal/apperrors"
)

func TestClassifyNoFailure(t *testing.T) {
	assert.Nil(t, Classify(nil, http.StatusOK))
	assert.Nil(t, Classify(nil, http.StatusCreated))
}

func TestClassifyConnectionFailure(t *testing.T) {
	err := Classify(errors.New("dial tcp: connection reset"), 0)
	assert.Equal(t, apperrors.ErrorTypeTransient, err.Type)
}

func TestClassify5xx(t *testing.T) {
	err := Classify(errors.New("server error"), http.StatusBadGateway)
	assert.Equal(t, apperrors.ErrorTypeTransient, err.Type)
}

func TestClassify429IsTransient(t *testing.T) {
	err := Classify(errors.New("rate limited"), http.StatusTooManyRequests)
	assert.Equal(t, apperrors.ErrorTypeTransient, err.Type)
}

func TestClassify4xxIsPermanent(t *testing.T) {
	err := Classify(errors.New("bad request"), http.StatusBadRequest)
	assert.Equal(t, apperrors.ErrorTypePermanent, err.Type)
}

func TestIsSignatureRejection(t *testing.T) {
	assert.True(t, IsSignatureRejection("signature rejected by node"))
	assert.True(t, IsSignatureRejection("Invalid Signature for transaction"))
	assert.False(t, IsSignatureRejection("insufficient funds"))
}
