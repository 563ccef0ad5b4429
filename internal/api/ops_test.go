package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate/gateway/internal/adminkeys"
	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/webhooks"
)

func TestRotateBootstrapEmitsAdminEvent(t *testing.T) {
	var bodies [][]byte
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, b)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	admins, bootstrap := adminkeys.NewRegistry("admin_rotation_test_key")
	emitter := webhooks.New(webhooks.Config{URL: sink.URL, BatchSize: 100})
	s := NewServer(Deps{Admins: admins, Audit: audit.New(10), Emitter: emitter})

	req := httptest.NewRequest(http.MethodPost, "/api/admin-keys/rotate",
		strings.NewReader(`{"old_key":"`+bootstrap+`"}`))
	req.Header.Set("X-Admin-Key", bootstrap)
	rr := httptest.NewRecorder()
	s.handleRotateBootstrap(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	emitter.Flush()
	require.Len(t, bodies, 1)
	var payload struct {
		AdminEvents []webhooks.AdminEvent `json:"adminEvents"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	require.Len(t, payload.AdminEvents, 1)
	assert.Equal(t, webhooks.EventKeyRotated, payload.AdminEvents[0].Type)
	assert.Equal(t, "bootstrap", payload.AdminEvents[0].Actor)
}
