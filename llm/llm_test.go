package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveMaxTokensDefaultsWhenNonPositive(t *testing.T) {
	assert.Equal(t, int64(1024), effectiveMaxTokens(0))
	assert.Equal(t, int64(1024), effectiveMaxTokens(-5))
	assert.Equal(t, int64(200), effectiveMaxTokens(200))
}

func TestToAnthropicMessagesPreservesOrderAndCount(t *testing.T) {
	msgs := toAnthropicMessages([]Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "follow up"},
	})
	assert.Len(t, msgs, 3)
}
