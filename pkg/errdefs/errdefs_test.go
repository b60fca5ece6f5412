package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsAndStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		kind   string
		status int
	}{
		{"config", Config("bad"), "config", http.StatusBadRequest},
		{"not found", NotFound("missing"), "not_found", http.StatusNotFound},
		{"conflict", Conflict("dup"), "conflict", http.StatusConflict},
		{"state conflict", StateConflict("wrong state"), "state_conflict", http.StatusConflict},
		{"driver", Driver("io", nil), "driver", http.StatusInternalServerError},
		{"session obsoleted", SessionObsoleted("gone"), "session_obsoleted", StatusSessionObsoleted},
		{"validation", Validation("bad body"), "validation", http.StatusUnprocessableEntity},
		{"unavailable", Unavailable("warming up"), "unavailable", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind())
			assert.Equal(t, tt.status, tt.err.Status())
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestSessionObsoletedSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("heartbeat failed: %w", SessionObsoleted("session x not found"))
	assert.True(t, IsSessionObsoleted(err))
	assert.False(t, IsConflict(err))
	assert.Equal(t, StatusSessionObsoleted, HTTPStatus(err))
}

func TestUnknownErrorMapsToInternal(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "internal", KindOf(err))
}

func TestIsMatchesByKind(t *testing.T) {
	assert.True(t, errors.Is(Conflict("a"), Conflict("b")))
	assert.False(t, errors.Is(Conflict("a"), NotFound("b")))
}
