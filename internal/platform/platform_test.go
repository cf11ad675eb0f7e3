package platform

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkit-dev/launchkit/internal/domain"
)

func TestNormalizeStateUnknownFallsBackToQueued(t *testing.T) {
	table := map[string]State{
		"ready": StateReady,
		"error": StateError,
	}

	assert.Equal(t, StateReady, NormalizeState(table, "ready"))
	assert.Equal(t, StateError, NormalizeState(table, "error"))

	// A provider state this build has never seen must never look terminal.
	for _, raw := range []string{"", "PROVISIONING", "some-new-state"} {
		got := NormalizeState(table, raw)
		assert.Equal(t, StateQueued, got, "raw state %q", raw)
		assert.True(t, got.InProgress())
	}
}

func TestStateInProgress(t *testing.T) {
	assert.True(t, StateQueued.InProgress())
	assert.True(t, StateBuilding.InProgress())
	assert.True(t, StateDeploying.InProgress())
	assert.False(t, StateReady.InProgress())
	assert.False(t, StateError.InProgress())
	assert.False(t, StateCanceled.InProgress())
}

func TestRegistryGet(t *testing.T) {
	svc := &stubService{platform: domain.PlatformVercel}
	reg := NewRegistry(svc)

	got, err := reg.Get(domain.PlatformVercel)
	require.NoError(t, err)
	assert.Same(t, Service(svc), got)

	_, err = reg.Get(domain.PlatformRailway)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	_, err = reg.Get(domain.Platform("heroku"))
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestReadAPIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "nested envelope", body: `{"error":{"message":"project not found"}}`, want: "project not found"},
		{name: "flat message", body: `{"message":"invalid token"}`, want: "invalid token"},
		{name: "plain text", body: "upstream unavailable", want: "upstream unavailable"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: http.StatusBadGateway,
				Body:       io.NopCloser(strings.NewReader(tc.body)),
			}
			apiErr := ReadAPIError(domain.PlatformNetlify, resp)
			require.NotNil(t, apiErr)
			assert.Equal(t, domain.PlatformNetlify, apiErr.Platform)
			assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
			assert.Contains(t, apiErr.Message, tc.want)
		})
	}
}

type stubService struct {
	Service
	platform domain.Platform
}

func (s *stubService) Platform() domain.Platform { return s.platform }
