package backendstub

import (
	"time"

	"purchasekit/internal/models"
)

// GrantRule is the stub backend's per-product policy: which subscription
// group the product belongs to, how long a paid period lasts, and whether
// first-time buyers get a trial.
type GrantRule struct {
	GroupID     string
	Period      time.Duration
	TrialPeriod time.Duration // zero means no trial
	// Reject simulates a fraud flag: confirmations for this product are
	// always rejected as invalid.
	Reject bool
}

// grant applies a confirmed transaction to a user's entitlement set and
// returns the updated set. At most one record per subscription group
// survives; the new grant takes the group slot.
func grant(current []models.EntitlementRecord, req models.ConfirmPurchaseRequest, rule GrantRule, now time.Time) []models.EntitlementRecord {
	groupUsedIntro := false
	groupHadGrant := false
	for _, rec := range current {
		if rec.GroupID == rule.GroupID {
			groupHadGrant = true
			if rec.IntroOfferUsed {
				groupUsedIntro = true
			}
		}
	}

	rec := models.EntitlementRecord{
		ProductID: req.ProductID,
		GroupID:   rule.GroupID,
		Status:    models.StatusRegular,
		ExpiresAt: now.Add(rule.Period),
		AutoRenew: true,
	}

	switch {
	case !groupHadGrant && rule.TrialPeriod > 0:
		rec.Status = models.StatusTrial
		rec.ExpiresAt = now.Add(rule.TrialPeriod)
		rec.IntroOfferUsed = true
	case req.OfferID != "" && !groupUsedIntro:
		rec.Status = models.StatusIntro
		rec.IntroOfferUsed = true
	default:
		rec.IntroOfferUsed = groupUsedIntro
	}

	out := make([]models.EntitlementRecord, 0, len(current)+1)
	for _, existing := range current {
		if existing.GroupID == rule.GroupID || existing.ProductID == req.ProductID {
			continue
		}
		out = append(out, existing)
	}
	return append(out, rec)
}
