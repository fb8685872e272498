package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"trading-autopilot/internal/faults"
)

// Binance error codes with a fixed meaning for the core.
const (
	codeTooManyRequests   = -1003
	codeTimeout           = -1007
	codeTooManyOrders     = -1015
	codeTimestampOutside  = -1021
	codeBadSignature      = -1022
	codeNewOrderRejected  = -2010
	codeRejectedMBXKey    = -2015
	codeBadAPIKeyFormat   = -2014
	codeMarginInsufficent = -2019
	codeBalanceNotEnough  = -5013
)

// classify turns a go-binance error into the faults taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return faults.NewExchangeError(op, apiErr.Code, apiErr.Message, causeFor(apiErr.Code, apiErr))
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return faults.Transient(op, err)
	}

	return faults.NewExchangeError(op, 0, err.Error(), err)
}

func causeFor(code int64, apiErr *common.APIError) error {
	var sentinel error
	switch code {
	case codeTooManyRequests, codeTooManyOrders:
		sentinel = faults.ErrRateLimited
	case codeTimeout, codeTimestampOutside:
		sentinel = faults.ErrTimeout
	case codeBadSignature, codeRejectedMBXKey, codeBadAPIKeyFormat:
		sentinel = faults.ErrAuth
	case codeMarginInsufficent, codeBalanceNotEnough:
		sentinel = faults.ErrInsufficientBalance
	case codeNewOrderRejected:
		// -2010 carries several reasons; only the balance one is sticky.
		if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
			sentinel = faults.ErrInsufficientBalance
		}
	}
	if sentinel == nil {
		return apiErr
	}
	return fmt.Errorf("%w: %w", sentinel, apiErr)
}
