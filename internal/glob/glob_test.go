package glob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"news", "news", true},
		{"news", "new", false},
		{"news.*", "news.sports", true},
		{"news.*", "news.", true},
		{"news.*", "news", false},
		{"*", "", true},
		{"*", "anything", true},
		{"**", "x", true},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h*llo", "hllo", true},
		{"h*llo", "heeeello", true},
		{"h*llo", "hello world", false},
		{"*.orders.*", "eu.orders.created", true},
		{"*.orders.*", "eu.order.created", false},
		{"h[ae]llo", "hallo", true},
		{"h[ae]llo", "hillo", false},
		{"h[^e]llo", "hallo", true},
		{"h[^e]llo", "hello", false},
		{"h[a-b]llo", "hbllo", true},
		{"h[a-b]llo", "hcllo", false},
		{"h[b-a]llo", "hallo", true},
		{"h\\*llo", "h*llo", true},
		{"h\\*llo", "hello", false},
		{"a[", "a[", true},
		{"a[b", "a[b", true},
		{"a\\", "a\\", true},
		{"[]]", "]", true},
		{"*a*b", "xaybzb", true},
		{"*a*b", "xaybzc", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.name))
		})
	}
}

func TestHasMeta(t *testing.T) {
	assert.False(t, HasMeta("news.sports"))
	assert.True(t, HasMeta("news.*"))
	assert.True(t, HasMeta("h?"))
	assert.True(t, HasMeta("[ab]"))
	assert.True(t, HasMeta("a\\b"))
}
