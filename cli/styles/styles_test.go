package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name   string
		format func(string) string
		icon   string
	}{
		{"success", FormatSuccess, IconSuccess},
		{"error", FormatError, IconError},
		{"warning", FormatWarning, IconWarning},
		{"info", FormatInfo, IconInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.format("outbox drained")
			assert.Contains(t, result, tt.icon)
			assert.Contains(t, result, "outbox drained")
		})
	}
}

func TestFormatStep(t *testing.T) {
	result := FormatStep(2, 12, "checking redis")
	assert.Contains(t, result, "[2/12]")
	assert.Contains(t, result, "checking redis")
}

func TestFormatKeyValue(t *testing.T) {
	result := FormatKeyValue("Pending", "42")
	assert.Contains(t, result, "Pending:")
	assert.Contains(t, result, "42")
}

func TestDisableColors(t *testing.T) {
	originalPrimary := Primary
	originalSuccess := Success
	defer func() {
		Primary = originalPrimary
		Success = originalSuccess
	}()

	DisableColors()

	assert.Equal(t, "", string(Primary))
	assert.Equal(t, "", string(Success))
}

func TestBoxStyles(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Box.Render("content")
		_ = BoxSuccess.Render("content")
		_ = BoxError.Render("content")
		_ = InfoBox.Render("content")
		_ = Indent.Render("content")
	})
}
