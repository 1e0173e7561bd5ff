package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/mocks"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/testutil"
)

func TestAuditTestRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := &mocks.PublisherMock{}
	pub.On("Publish", mock.Anything, "audit.realtime", mock.AnythingOfType("telemetry.AuditEnvelope"), map[string]string{"x-request-id": "req-42"}).Return(nil).Once()
	emitter := telemetry.NewAuditEmitter(pub, "audit.realtime", "chat-realtime", "test", testutil.TestLogger(t))

	router := gin.New()
	RegisterDebugRoutes(router, emitter, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("X-User-ID", "9")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
	envelope := pub.Calls[0].Arguments.Get(2).(telemetry.AuditEnvelope)
	require.NotNil(t, envelope.UserID)
	assert.Equal(t, "9", *envelope.UserID)
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterDebugRoutes(router, nil, nil, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugSessions(t *testing.T) {
	router, reg := setupPresenceRouter(t)
	RegisterDebugRoutes(router, nil, reg, true)

	pending := testutil.NewFakeConn(0)
	reg.Attach(pending)
	conn := testutil.NewFakeConn(4)
	reg.Attach(conn)
	reg.Register(conn, 4, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"attached_connections":2,"online_users":1}`, rec.Body.String())
}
