/*
handlers.go - HTTP handlers for the settlement cron surface

PURPOSE:
  Exposes the settlement job over HTTP. The external scheduler (a cron
  pinger) triggers passes through these endpoints; the handlers only
  translate between HTTP and the job, they hold no settlement logic.

ENDPOINTS:
  GET /                     Liveness (plain text)
  GET /cron/daily-income    Run the accrual pass with now = time.Now()
  GET /cron/referral-bonus  Run the referral bonus pass

ERROR HANDLING:
  Only a pass-level failure (the eligibility query) surfaces as HTTP 500.
  Per-record failures are aggregated into the summary counts; the job logs
  them individually for operability.

SEE ALSO:
  - server.go: Router setup and middleware
  - settle/job.go: The actual passes
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/warp/settlement-engine/settle"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Job *settle.Job

	// Now supplies the settlement clock. Defaults to time.Now; injected
	// in tests.
	Now func() time.Time
}

// NewHandler creates a handler around an already-wired job.
func NewHandler(job *settle.Job) *Handler {
	return &Handler{Job: job, Now: time.Now}
}

// Health is the liveness endpoint for the cron pinger.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Daily settlement service is running"))
}

// DailyIncome runs the accrual pass.
func (h *Handler) DailyIncome(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Job.RunAccrualPass(r.Context(), h.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, AccrualResponse{
		Success:  true,
		Updated:  summary.Updated,
		Failures: summary.Failures,
	})
}

// ReferralBonus runs the referral bonus pass.
func (h *Handler) ReferralBonus(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Job.RunReferralPass(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := ReferralResponse{
		Success:   true,
		Processed: summary.Processed,
		Failures:  summary.Failures,
	}
	if summary.Attempted == 0 {
		resp.Message = "no first purchases to process"
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: err.Error()})
}
