package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// Typed failure classes. Callers branch on these with errors.Is; the raw
// exchange error stays wrapped underneath for logging.
var (
	// ErrUnavailable covers transport failures and exchange-side 5xx.
	ErrUnavailable = errors.New("exchange unavailable")
	// ErrRateLimited means the venue asked us to back off.
	ErrRateLimited = errors.New("rate limited")
	// ErrStaleReference means the referenced order no longer exists.
	ErrStaleReference = errors.New("stale order reference")
	// ErrFilterViolation means the order breaks an instrument filter
	// (tick size, step size, min notional) and retrying is pointless.
	ErrFilterViolation = errors.New("instrument filter violation")
)

// Retryable reports whether err is worth retrying at all.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// classify maps a raw client error into the typed taxonomy. Unrecognized
// errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -1003 || apiErr.Code == -1015:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.Code == -2013 || apiErr.Code == -2011:
			return fmt.Errorf("%w: %v", ErrStaleReference, err)
		case apiErr.Code == -1013 || apiErr.Code == -2010 || apiErr.Code == -1111:
			return fmt.Errorf("%w: %v", ErrFilterViolation, err)
		case apiErr.Code <= -1000 && apiErr.Code >= -1008:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
