package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLicenseStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Millisecond)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		license License
		want    Status
	}{
		{"fresh", License{Active: true}, StatusUnbound},
		{"bound", License{Active: true, HWID: "HW1"}, StatusBound},
		{"expired", License{Active: true, HWID: "HW1", ExpiryTime: &past}, StatusExpired},
		{"inactive wins over expired", License{Active: false, ExpiryTime: &past}, StatusInactive},
		{"not yet expired", License{Active: true, ExpiryTime: &future}, StatusUnbound},
		{"expiry equal to now", License{Active: true, ExpiryTime: &now}, StatusUnbound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.license.Status(now))
		})
	}
}

func TestLicenseExpired_NoExpiryNeverExpires(t *testing.T) {
	l := License{Active: true}
	for _, now := range []time.Time{time.Unix(0, 0), time.Now(), time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)} {
		assert.False(t, l.Expired(now))
	}
}

func TestTierFeatureList(t *testing.T) {
	assert.Equal(t, []string{"export", "api", "sso"}, Tier{Features: " export, api,,sso ,"}.FeatureList())
	assert.Equal(t, []string{}, Tier{}.FeatureList())
}

func TestReasonMessage(t *testing.T) {
	assert.Equal(t, "License bound to different hardware", ReasonHwidMismatch.Message())
	assert.Equal(t, "License validated successfully", ReasonNone.Message())
	assert.Equal(t, "Custom", Reason("Custom").Message())
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "ABCD****WXYZ", MaskKey("ABCDE-12345-67890-ABCDE-TWXYZ"))
	assert.Equal(t, "****", MaskKey("SHORT"))
}
