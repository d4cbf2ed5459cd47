// Package userutil centralizes phone-keyed user lookup shared by the webhook
// ingress and the workers.
package userutil

import (
	"time"

	"github.com/wavelinehq/waveline/internal/models"
	"gorm.io/gorm"
)

// NormalizePhone strips the leading "+" so all lookups use one canonical form
func NormalizePhone(phone string) string {
	if len(phone) > 0 && phone[0] == '+' {
		return phone[1:]
	}
	return phone
}

// GetOrCreateUser finds or creates the user for the given phone number.
//   - Normalizes the phone (strips leading "+"), trying both forms on lookup
//   - Updates the display name when the profile name changed
//   - Survives create races by re-fetching
//
// Returns the user, whether it was newly created, and any error.
func GetOrCreateUser(db *gorm.DB, phone, displayName string) (*models.User, bool, error) {
	normalized := NormalizePhone(phone)

	var user models.User
	if err := db.Where("phone = ?", normalized).First(&user).Error; err == nil {
		if displayName != "" && user.DisplayName != displayName {
			db.Model(&user).Update("display_name", displayName)
		}
		return &user, false, nil
	}

	// Older rows may have been stored with the prefix
	if err := db.Where("phone = ?", "+"+normalized).First(&user).Error; err == nil {
		if displayName != "" && user.DisplayName != displayName {
			db.Model(&user).Update("display_name", displayName)
		}
		return &user, false, nil
	}

	user = models.User{
		Phone:        normalized,
		DisplayName:  displayName,
		Tier:         "standard",
		Subscription: models.SubscriptionSubscribed,
		IsActive:     models.Bool(true),
	}
	if err := db.Create(&user).Error; err != nil {
		// Race: another goroutine created the user between lookup and insert
		if err2 := db.Where("phone = ?", normalized).First(&user).Error; err2 == nil {
			return &user, false, nil
		}
		return nil, false, err
	}
	return &user, true, nil
}

// RecordInteraction bumps the user's message counter and last interaction
// time with atomic column updates.
func RecordInteraction(db *gorm.DB, userID interface{}, at time.Time) error {
	return db.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"total_messages":   gorm.Expr("total_messages + 1"),
		"last_interaction": at,
	}).Error
}
