package loans

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedemptionCode_Format(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	code := newRedemptionCode("01JWX5H2M4Q8R9S0T1V2W3X4Y5", now)

	assert.True(t, strings.HasPrefix(code, "RDM-"))
	assert.True(t, strings.HasSuffix(code, "-W3X4Y5")) // 貸出ULIDの末尾6文字

	parts := strings.Split(code, "-")
	require.Len(t, parts, 3)
	assert.Len(t, parts[1], 26) // ULID本体
}

func TestNewRedemptionCode_ShortULIDTail(t *testing.T) {
	code := newRedemptionCode("ABC", time.Now())
	assert.True(t, strings.HasSuffix(code, "-ABC"))
}

func TestNewRedemptionCode_Uniqueness(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		code := newRedemptionCode("01JWX5H2M4Q8R9S0T1V2W3X4Y5", now)
		_, dup := seen[code]
		require.False(t, dup, "duplicate code generated: %s", code)
		seen[code] = struct{}{}
	}
}
