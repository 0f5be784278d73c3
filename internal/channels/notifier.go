// Package channels delivers user-facing notices over messaging platforms.
package channels

import (
	"context"
	"fmt"
)

// Notifier is the outbound messaging surface the coordination and intake
// layers depend on. Implementations must be safe for concurrent use.
type Notifier interface {
	// NotifyServiceUpdating tells a user the service is mid-handover and
	// their request was deliberately not acted on.
	NotifyServiceUpdating(ctx context.Context, chatID int64) error

	// NotifyRetryShortly asks a user to resend a request that was held
	// while this instance was passive.
	NotifyRetryShortly(ctx context.Context, chatID int64) error

	// DeliverResult sends a finished job's outcome. A non-empty jobErr
	// means the job failed and the error is shown instead of the result.
	DeliverResult(ctx context.Context, chatID int64, result, jobErr string) error

	// SendText sends an arbitrary message, used for command replies.
	SendText(ctx context.Context, chatID int64, text string) error
}

// NoopNotifier discards every notice. Used when no messaging channel is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyServiceUpdating(context.Context, int64) error         { return nil }
func (NoopNotifier) NotifyRetryShortly(context.Context, int64) error            { return nil }
func (NoopNotifier) DeliverResult(context.Context, int64, string, string) error { return nil }
func (NoopNotifier) SendText(context.Context, int64, string) error              { return nil }

func formatResult(result, jobErr string) string {
	if jobErr != "" {
		return fmt.Sprintf("Your request failed: %s", jobErr)
	}
	if result == "" {
		return "Your request finished, but the provider returned no output."
	}
	return result
}
