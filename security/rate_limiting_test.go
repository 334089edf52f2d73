package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinic-flow/internal/status"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/pocketbase/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 2, time.Minute, nil)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		mock.ExpectTxPipeline()
		mock.ExpectIncr("ratelimit:pin:10.0.0.1").SetVal(i)
		mock.ExpectExpireNX("ratelimit:pin:10.0.0.1", time.Minute).SetVal(i == 1)
		mock.ExpectTxPipelineExec()
	}

	for _, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(ctx, "ratelimit:pin:10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, want, allowed)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_PinFailsOpen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 2, time.Minute, nil)

	mock.ExpectTxPipeline()
	mock.ExpectIncr("ratelimit:pin:10.0.0.1").SetErr(errors.New("connection refused"))
	mock.ExpectExpireNX("ratelimit:pin:10.0.0.1", time.Minute).SetErr(errors.New("connection refused"))
	mock.ExpectTxPipelineExec().SetErr(errors.New("connection refused"))

	allowed, err := limiter.allowPin(context.Background(), "10.0.0.1")

	assert.Error(t, err)
	assert.True(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_CounterAndTTLAreOneTransaction(t *testing.T) {
	db, mock := redismock.NewClientMock()
	limiter := NewRateLimiter(db, 2, time.Minute, nil)

	mock.ExpectTxPipeline()
	mock.ExpectIncr("ratelimit:pin:10.0.0.2").SetVal(5)
	mock.ExpectExpireNX("ratelimit:pin:10.0.0.2", time.Minute).SetVal(false)
	mock.ExpectTxPipelineExec()

	allowed, err := limiter.Allow(context.Background(), "ratelimit:pin:10.0.0.2")

	require.NoError(t, err)
	assert.False(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_Defaults(t *testing.T) {
	limiter := NewRateLimiter(nil, 0, 0, nil)

	assert.Equal(t, 10, limiter.limit)
	assert.Equal(t, time.Minute, limiter.window)
}

func TestThrottledResult(t *testing.T) {
	res := throttledResult()

	assert.False(t, res.OK)
	assert.Equal(t, "pin.verify", res.Event)
	assert.Equal(t, status.CodeRateLimited, res.Error.Code)
	assert.NotEqual(t, status.CodeSessionLocked, res.Error.Code)
}

func TestBlockSuspiciousAgents(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mw/pin/verify", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1)")
	rec := httptest.NewRecorder()

	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec

	require.NoError(t, BlockSuspiciousAgents(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIsSuspiciousUserAgent(t *testing.T) {
	assert.True(t, isSuspiciousUserAgent("AhrefsBot/7.0"))
	assert.True(t, isSuspiciousUserAgent("web-SCRAPER"))
	assert.False(t, isSuspiciousUserAgent("ClinicKiosk/2.3 (Android 13)"))
	assert.False(t, isSuspiciousUserAgent(""))
}
