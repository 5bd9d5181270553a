package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
)

func NewFalse() *bool {
	b := false
	return &b
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}
	return dec, nil
}

// DateOnly truncates a timestamp to a UTC calendar date.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ClientLock obtains a process-level lock for one client. Best-effort
// optimization: correctness never depends on it, posting is additionally
// serialized by MySQL advisory locks.
func ClientLock(ctx context.Context, clientId string, lockType string, moduleName string, functionName string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when the Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", clientId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, clientId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for clientId", clientId, err)
		return nil, errors.New("could not obtain lock for clientId")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for clientId", clientId, err)
		return nil, err
	}
	return lock, nil
}
