package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dalat-app/rsvp-engine/internal/logging"
)

func TestTranslate(t *testing.T) {
	tr := NewTranslator("en", logging.Discard())

	assert.Equal(t, "This event no longer exists.", tr.T("en", "error_event_not_found", nil))
	assert.Equal(t, "Sự kiện này không còn tồn tại.", tr.T("vi", "error_event_not_found", nil))
	assert.Equal(t, "A spot opened up. You're now going to Jazz night!",
		tr.T("", "notify_promoted", map[string]any{"Title": "Jazz night"}))
	assert.Contains(t, tr.T("fr", "notify_waitlisted", map[string]any{"Title": "Jazz", "Position": 3}), "n°3")
}

func TestTranslateFallsBack(t *testing.T) {
	tr := NewTranslator("en", logging.Discard())

	// No Korean file ships, so English is used.
	assert.Equal(t, "This event no longer exists.", tr.T("ko", "error_event_not_found", nil))
	assert.Equal(t, "missing_key", tr.T("vi", "missing_key", nil))
	assert.Equal(t, "", tr.T("en", "", nil))
}

func TestMatch(t *testing.T) {
	tr := NewTranslator("en", logging.Discard())

	assert.Equal(t, "vi", tr.Match("vi-VN,vi;q=0.9,en;q=0.8"))
	assert.Equal(t, "fr", tr.Match("fr-CA"))
	assert.Equal(t, "zh", tr.Match("zh-CN"))
	assert.Equal(t, "en", tr.Match("xx"))
	assert.Equal(t, "en", tr.Match(""))
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("ko"))
	assert.False(t, Supported("pt"))
}
