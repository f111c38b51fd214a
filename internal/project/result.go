package project

import "github.com/t77yq/research-scheduler/internal/model"

// Error codes for business-rule rejections. These are expected outcomes,
// not Go errors: callers may retry after satisfying the stated condition.
const (
	CodeInvalidInput           = "invalid_input"
	CodeNotFound               = "not_found"
	CodeInvalidStatus          = "invalid_status"
	CodeStatusUnchanged        = "status_unchanged"
	CodeMaxDailyRuns           = "max_daily_runs"
	CodeUserPlanNotFound       = "user_plan_not_found"
	CodeDeliveryWindowTooClose = "delivery_window_too_close"
	CodeInternal               = "internal_error"
)

// Result is the structured outcome of every status machine operation.
// Business outcomes are never reported as bare booleans or Go errors.
type Result struct {
	OK           bool                `json:"ok"`
	Status       model.ProjectStatus `json:"status,omitempty"`
	ErrorCode    string              `json:"error_code,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

func accepted(status model.ProjectStatus) Result {
	return Result{OK: true, Status: status}
}

func rejected(status model.ProjectStatus, code, message string) Result {
	return Result{Status: status, ErrorCode: code, ErrorMessage: message}
}
