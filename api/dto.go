/*
dto.go - Response bodies for the cron endpoints

PURPOSE:
  Defines the JSON contract the external scheduler depends on. These types
  decouple the job's Summary from the wire format.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

// AccrualResponse is returned by /cron/daily-income.
type AccrualResponse struct {
	Success  bool `json:"success"`
	Updated  int  `json:"updated"`
	Failures int  `json:"failures,omitempty"`
}

// ReferralResponse is returned by /cron/referral-bonus.
type ReferralResponse struct {
	Success   bool   `json:"success"`
	Processed int    `json:"processed"`
	Failures  int    `json:"failures,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorResponse is returned with a non-2xx status on pass-level failures.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
