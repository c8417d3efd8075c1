package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors for provisioning operations.
var (
	// ErrAllRegionsFailed indicates every candidate region rejected the
	// provisioning request. The wrapping AllRegionsError carries the
	// per-region reasons.
	ErrAllRegionsFailed = errors.New("all candidate regions failed")

	// ErrQuotaExhausted indicates a region-level quota/capacity rejection.
	// Recoverable via region fallback; handled internally by Provision.
	ErrQuotaExhausted = errors.New("region quota exhausted")

	// ErrNotReady indicates a node was created but never became reachable
	// within the ready timeout. The instance exists and is billable;
	// callers must not blindly retry.
	ErrNotReady = errors.New("node created but not reachable")
)

// Error wraps provisioning failures with operation context.
type Error struct {
	// Op is the operation that failed (e.g., "RunInstances", "Wait").
	Op string

	// Region is the region the operation ran in.
	Region string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s [%s]: %v", e.Op, e.Region, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RegionFailure records why one candidate region was rejected.
type RegionFailure struct {
	Region string
	Err    error
}

// AllRegionsError aggregates per-region failures so callers can report
// "tried 5 regions, all quota-exhausted" instead of a bare failure.
type AllRegionsError struct {
	Failures []RegionFailure
}

func (e *AllRegionsError) Error() string {
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("%s: %v", f.Region, f.Err))
	}
	return fmt.Sprintf("failed to provision in any region (tried %d): %s",
		len(e.Failures), strings.Join(reasons, "; "))
}

func (e *AllRegionsError) Unwrap() error {
	return ErrAllRegionsFailed
}

// Regions returns the failed region names in attempt order.
func (e *AllRegionsError) Regions() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Region)
	}
	return out
}

// quotaErrorCodes are EC2 API error codes that indicate a capacity or
// quota rejection scoped to one region.
var quotaErrorCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InstanceLimitExceeded":        true,
	"VcpuLimitExceeded":            true,
	"MaxSpotInstanceCountExceeded": true,
	"PendingVerification":          true,
}

// quotaIndicators is the text fallback used when no structured code is
// available.
var quotaIndicators = []string{"quota", "limit", "capacity", "exceeded"}

// IsQuota reports whether err is a region-scoped quota/capacity rejection
// that should trigger region fallback rather than a hard failure.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if quotaErrorCodes[apiErr.ErrorCode()] {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range quotaIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// IsAllRegionsFailed reports whether err wraps ErrAllRegionsFailed.
func IsAllRegionsFailed(err error) bool {
	return errors.Is(err, ErrAllRegionsFailed)
}
