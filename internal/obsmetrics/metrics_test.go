package obsmetrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-starling/starling-go/internal/obsmetrics"
	"github.com/helios-starling/starling-go/internal/reconnect"
	"github.com/helios-starling/starling-go/internal/state"
)

func TestObserveAndServe(t *testing.T) {
	r := obsmetrics.New("starling")
	r.ObserveReconnect(reconnect.Metrics{
		TotalAttempts:           5,
		FailedAttempts:          2,
		SuccessfulReconnections: 1,
		Active:                  true,
		AverageAttemptDuration:  250 * time.Millisecond,
	})
	r.ObserveState(state.Metrics{
		Refreshes:       3,
		RefreshFailures: 1,
		Reconnections:   1,
		TotalDowntime:   2 * time.Second,
	})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
