/*
handlers_test.go - HTTP contract tests for the cron endpoints

The external scheduler only sees these bodies, so the JSON shape is pinned
here: success flag, updated/processed counts, and 500 + error on pass-level
failure.
*/
package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/settle"
	"github.com/warp/settlement-engine/settle/store"
)

var testBase = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mem settle.Store, now time.Time) *httptest.Server {
	t.Helper()
	handler := api.NewHandler(settle.NewJob(mem))
	handler.Now = func() time.Time { return now }
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealth_PlainText(t *testing.T) {
	srv := newTestServer(t, store.NewTxMemory(), testBase)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestDailyIncome_ReturnsUpdatedCount(t *testing.T) {
	// GIVEN: Two approved purchases, 3 days old
	// WHEN: GET /cron/daily-income
	// THEN: {"success":true,"updated":2}

	mem := store.NewTxMemory()
	mem.PutUser(settle.User{ID: "user-1"})
	for _, id := range []string{"pur-1", "pur-2"} {
		mem.PutPurchase(settle.Purchase{
			ID: id, UserID: "user-1", Animal: "sapi",
			Status:      settle.StatusApproved,
			DailyIncome: decimal.NewFromInt(1000),
			Duration:    10,
			CreatedAt:   testBase,
		})
	}

	srv := newTestServer(t, mem, testBase.AddDate(0, 0, 3))

	var body api.AccrualResponse
	status := getJSON(t, srv.URL+"/cron/daily-income", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Updated)
	assert.Equal(t, 0, body.Failures)
}

func TestDailyIncome_RetriggeredRun_ReportsZeroUpdated(t *testing.T) {
	mem := store.NewTxMemory()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(settle.Purchase{
		ID: "pur-1", UserID: "user-1", Animal: "sapi",
		Status:      settle.StatusApproved,
		DailyIncome: decimal.NewFromInt(1000),
		Duration:    10,
		CreatedAt:   testBase,
	})

	srv := newTestServer(t, mem, testBase.AddDate(0, 0, 3))

	var first, second api.AccrualResponse
	getJSON(t, srv.URL+"/cron/daily-income", &first)
	getJSON(t, srv.URL+"/cron/daily-income", &second)

	assert.Equal(t, 1, first.Updated)
	assert.Equal(t, 0, second.Updated, "re-triggered cron paid again")
}

func TestReferralBonus_ReturnsProcessedCount(t *testing.T) {
	mem := store.NewTxMemory()
	mem.PutUser(settle.User{ID: "sponsor"})
	mem.PutUser(settle.User{ID: "buyer", InvitedBy: "sponsor"})
	mem.PutPurchase(settle.Purchase{
		ID: "pur-1", UserID: "buyer", Animal: "sapi",
		Status:          settle.StatusApproved,
		DailyIncome:     decimal.NewFromInt(1000),
		Duration:        10,
		IsFirstPurchase: true,
		CreatedAt:       testBase,
	})

	srv := newTestServer(t, mem, testBase)

	var body api.ReferralResponse
	status := getJSON(t, srv.URL+"/cron/referral-bonus", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Processed)
	assert.Empty(t, body.Message)
}

func TestReferralBonus_NothingToDo_ReturnsMessage(t *testing.T) {
	srv := newTestServer(t, store.NewTxMemory(), testBase)

	var body api.ReferralResponse
	status := getJSON(t, srv.URL+"/cron/referral-bonus", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
	assert.Equal(t, 0, body.Processed)
	assert.Equal(t, "no first purchases to process", body.Message)
}

// =============================================================================
// PASS-LEVEL FAILURE
// =============================================================================

type downStore struct {
	settle.Store
}

func (d *downStore) PurchasesByStatus(context.Context, settle.PurchaseStatus) ([]settle.Purchase, error) {
	return nil, errors.New("store unreachable")
}

func (d *downStore) FirstPurchasesByStatus(context.Context, settle.PurchaseStatus) ([]settle.Purchase, error) {
	return nil, errors.New("store unreachable")
}

func TestCronEndpoints_StoreDown_Returns500(t *testing.T) {
	srv := newTestServer(t, &downStore{Store: store.NewTxMemory()}, testBase)

	for _, path := range []string{"/cron/daily-income", "/cron/referral-bonus"} {
		var body api.ErrorResponse
		status := getJSON(t, srv.URL+path, &body)

		assert.Equal(t, http.StatusInternalServerError, status, path)
		assert.False(t, body.Success, path)
		assert.Contains(t, body.Error, "store unreachable", path)
	}
}
