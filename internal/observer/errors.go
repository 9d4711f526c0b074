package observer

import (
	"errors"
	"fmt"
	"time"

	"github.com/georgeji/record-observer/internal/models"
)

var (
	// ErrAuthentication aborts startup.
	ErrAuthentication = errors.New("authentication failed")
	// ErrTopicProvision aborts startup.
	ErrTopicProvision = errors.New("change topic provisioning failed")
	// ErrScan is a per-channel, per-cycle failure; the channel's watermark
	// stays put and the window is retried on the next trigger.
	ErrScan = errors.New("change scan failed")
	// ErrLiveSubscription is reported when the live channel cannot be opened
	// or ends. Polling continues regardless.
	ErrLiveSubscription = errors.New("live subscription failed")
	// ErrStopped is returned by Observe and Subscribe after Stop.
	ErrStopped = errors.New("observer stopped")
)

// ScanError describes a failed list call for one change kind.
type ScanError struct {
	Kind  models.ChangeType
	Start time.Time
	End   time.Time
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s changes [%s, %s]: %v",
		e.Kind, e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339), e.Err)
}

func (e *ScanError) Unwrap() []error { return []error{ErrScan, e.Err} }
