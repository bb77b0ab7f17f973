// Copyright 2025 James Ross
package retry

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// taskStoreRetryableMessages mirrors db_decorators.py's
// get_connection_error_config: substrings of a lowercased error message
// that mark a Postgres failure as transient. Ported from the original's
// MySQL error-code table (2006 server gone away, 2013 lost connection,
// 2014 commands out of sync, 2024 connection attempt failed, 2055 lost
// connection, 1205 lock wait timeout, 1213 deadlock) to Postgres's own
// vocabulary for the same failure modes.
var taskStoreRetryableMessages = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"broken pipe",
	"too many connections",
	"the database system is starting up",
	"the database system is shutting down",
	"terminating connection due to administrator command",
}

// taskStoreRetryableSQLStates are Postgres SQLSTATE codes treated as
// transient: 40001 serialization_failure, 40P01 deadlock_detected,
// 55P03 lock_not_available (lock wait timeout), 57P03
// cannot_connect_now, and the 08000/08001/08003/08004/08006 connection
// exceptions.
var taskStoreRetryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57P03": true,
	"08000": true,
	"08003": true,
	"08006": true,
	"08001": true,
	"08004": true,
}

// TaskStoreClassifier decides whether a task-store error is worth
// retrying, grounded on db_decorators.py's is_connection_error.
func TaskStoreClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if taskStoreRetryableSQLStates[string(pqErr.Code)] {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range taskStoreRetryableMessages {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// queueNonRetryableMessages mirrors redis_decorators.py's
// get_connection_error_config entries mapped to false: errors that look
// like connection trouble but should never be retried because retrying
// can't fix them.
var queueNonRetryableMessages = []string{
	"authentication required",
	"invalid password",
	"wrongpass",
	"noauth",
	"max retries exceeded",
}

// queueRetryableMessages mirrors the same table's true entries.
var queueRetryableMessages = []string{
	"connection refused",
	"connection timed out",
	"connection reset",
	"broken pipe",
	"connection lost",
	"connection closed",
	"connection error",
	"max number of clients reached",
	"oom command not allowed",
	"readonly",
	"busy loading",
	"i/o timeout",
	"eof",
}

// QueueClassifier decides whether a queue-substrate (Redis) error is
// worth retrying, grounded on redis_decorators.py's is_connection_error.
func QueueClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range queueNonRetryableMessages {
		if strings.Contains(msg, substr) {
			return false
		}
	}
	for _, substr := range queueRetryableMessages {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// modelProviderNonRetryableMessages covers request-shape problems a
// retry cannot fix: malformed requests, auth failures, and content
// rejected by the provider's safety filters.
var modelProviderNonRetryableMessages = []string{
	"invalid argument",
	"permission denied",
	"unauthenticated",
	"api key not valid",
	"safety",
	"blocked",
}

// modelProviderRetryableMessages covers transient provider-side or
// network failures, grounded on google_vision.py's _retry_api_call,
// which retries on generic request/connection exceptions and on
// HTTP 429/5xx from the generative endpoint.
var modelProviderRetryableMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"eof",
	"503",
	"502",
	"500",
	"429",
	"resource exhausted",
	"internal error",
	"unavailable",
}

// ModelProviderClassifier decides whether an error from the generative
// model endpoint is worth retrying.
func ModelProviderClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range modelProviderNonRetryableMessages {
		if strings.Contains(msg, substr) {
			return false
		}
	}
	for _, substr := range modelProviderRetryableMessages {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
