package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryItem_Validate(t *testing.T) {
	valid := func() *RetryItem {
		return &RetryItem{URL: "https://i.imgur.com/a.jpg", ServiceName: "imgur", Priority: PriorityMedium, MaxRetries: 5}
	}

	tests := []struct {
		name   string
		mutate func(*RetryItem)
		field  string
	}{
		{"valid", func(*RetryItem) {}, ""},
		{"missing url", func(r *RetryItem) { r.URL = "" }, "url"},
		{"missing service", func(r *RetryItem) { r.ServiceName = "" }, "service_name"},
		{"unknown priority", func(r *RetryItem) { r.Priority = 7 }, "priority"},
		{"negative max retries", func(r *RetryItem) { r.MaxRetries = -1 }, "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := valid()
			tt.mutate(item)
			err := item.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRetryItem_ExhaustedAndAge(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	item := &RetryItem{RetryCount: 4, MaxRetries: 5, CreatedAt: created}

	assert.False(t, item.Exhausted())
	item.RetryCount = 5
	assert.True(t, item.Exhausted())
	assert.Equal(t, 48*time.Hour, item.Age(created.Add(48*time.Hour)))
}

func TestRetryPriority_String(t *testing.T) {
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "medium", PriorityMedium.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "priority(9)", RetryPriority(9).String())
	assert.False(t, RetryPriority(0).Valid())
}
