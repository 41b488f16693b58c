package collab

import (
	"github.com/cespare/xxhash/v2"
	"github.com/lucasb-eyer/go-colorful"
)

// UserColor returns a hex color derived from the user id. The same id always
// maps to the same color.
func UserColor(userID string) string {
	h := xxhash.Sum64String(userID)
	hue := float64(h % 360)
	sat := 0.55 + float64((h>>16)%20)/100
	return colorful.Hsv(hue, sat, 0.85).Hex()
}
