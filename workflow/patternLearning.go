package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
)

// MaybeSynthesizePattern runs after every resolved booking. An existing
// pattern for the vendor gets its counters updated; otherwise, once the
// vendor has accumulated enough fully-confirmed bookings on one account, a
// new pattern is synthesized. The unique trigger key keeps concurrent
// synthesis from producing two active patterns for one vendor.
func MaybeSynthesizePattern(ctx context.Context, clientId string, vendorName string, finalAccount string) error {
	logger := config.GetLogger()
	if models.NormalizeVendorTrigger(vendorName) == "" || finalAccount == "" {
		return nil
	}

	pattern, err := models.FindActivePattern(ctx, clientId, vendorName)
	if err != nil {
		return err
	}
	if pattern != nil {
		success := pattern.SuggestedAccount == finalAccount
		if err := pattern.RecordApplication(ctx, success); err != nil {
			return err
		}
		if success {
			if err := bumpConfirmation(ctx, pattern); err != nil {
				config.LogError(logger, "PatternLearning.go", "MaybeSynthesizePattern", "Bump confirmation", pattern.ID, err)
			}
		}
		return nil
	}

	count, err := models.CountVendorConfirmations(ctx, clientId, models.NormalizeVendorTrigger(vendorName), finalAccount)
	if err != nil {
		return err
	}
	if count < int64(config.PatternMinConfirmations()) {
		return nil
	}

	// Serialize synthesis per client; the unique trigger key is the real
	// guard, this just avoids duplicate-key noise under bursts.
	if lock, lerr := utils.ClientLock(ctx, clientId, "pattern_synthesis", "PatternLearning.go", "MaybeSynthesizePattern"); lerr == nil {
		defer lock.Release(ctx)
	}
	created, err := models.UpsertPattern(ctx, clientId, vendorName, finalAccount, int(count))
	if err != nil {
		return err
	}
	if created != nil {
		logger.WithField("pattern_id", created.ID).
			WithField("trigger_vendor", created.TriggerVendor).
			Info("synthesized booking pattern")
	}
	return nil
}

// RecordPatternApplication updates a matched pattern's counters after an
// auto-booked posting, where the outcome is known immediately.
func RecordPatternApplication(ctx context.Context, clientId string, vendorName string, success bool) error {
	pattern, err := models.FindActivePattern(ctx, clientId, vendorName)
	if err != nil || pattern == nil {
		return err
	}
	if err := pattern.RecordApplication(ctx, success); err != nil {
		return err
	}
	if success {
		return bumpConfirmation(ctx, pattern)
	}
	return nil
}

func bumpConfirmation(ctx context.Context, pattern *models.LearnedPattern) error {
	db := config.GetDB()
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&models.LearnedPattern{}).
		Where("id = ? AND client_id = ?", pattern.ID, pattern.ClientId).
		Updates(map[string]interface{}{
			"confirmations":     pattern.Confirmations + 1,
			"last_confirmed_at": now,
		}).Error
}
