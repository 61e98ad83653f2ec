package main

import (
	"time"

	"github.com/Klomgor/Maintainerr/rules"
)

// API request and response models

// ReturnStatus is the result of a mutating settings call.
// Code is 1 on success and 0 on failure.
type ReturnStatus struct {
	Code    int    `json:"code" example:"1"`
	Message string `json:"message" example:"Success"`
	Result  any    `json:"result,omitempty"`
}

// RulesListResponse represents the response for listing rule groups
type RulesListResponse struct {
	Groups []rules.RuleGroup `json:"groups"`
}

// ConstantsResponse lists the fields rules may reference
type ConstantsResponse struct {
	Constants []rules.RuleConstant `json:"constants"`
}

// ExecuteResponse is returned when a run has been started
type ExecuteResponse struct {
	RunID   string `json:"runId" example:"6f1c2e7a-3f52-4f3e-9a7f-2c1d0e9b8a11"`
	Status  string `json:"status" example:"started"`
	Message string `json:"message,omitempty"`
}

// ScheduleRequest replaces the rules handler cadence
type ScheduleRequest struct {
	Cron string `json:"cron" example:"0 0-23/8 * * *"`
}

// ScheduleResponse describes the active cadence
type ScheduleResponse struct {
	Cron    string     `json:"cron" example:"0 0-23/8 * * *"`
	State   string     `json:"state" example:"scheduled"`
	Next    *time.Time `json:"next,omitempty"`
	Running bool       `json:"running"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid rule 0 (age_days): operator \"contains\" not allowed"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status" example:"healthy"`
	Error         string `json:"error,omitempty"`
	RunInProgress bool   `json:"runInProgress"`
	Schedule      string `json:"schedule,omitempty"`
}
