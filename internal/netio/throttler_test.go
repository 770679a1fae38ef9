package netio

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottlerAllowsUnderCap(t *testing.T) {
	th := NewThrottler(ThrottlerConfig{MaxOutstanding: 3, StaleAfter: time.Minute})
	addr := netip.MustParseAddrPort("1.2.3.4:6881")

	for i := 0; i < 3; i++ {
		assert.True(t, th.Allow(addr))
		th.Track(addr)
	}
	assert.False(t, th.Allow(addr), "a 4th send must be throttled at the count cap")
}

func TestThrottlerReleaseFreesASlot(t *testing.T) {
	th := NewThrottler(ThrottlerConfig{MaxOutstanding: 1, StaleAfter: time.Minute})
	addr := netip.MustParseAddrPort("1.2.3.4:6881")

	assert.True(t, th.Allow(addr))
	th.Track(addr)
	assert.False(t, th.Allow(addr))

	th.Release(addr)
	assert.True(t, th.Allow(addr), "releasing the outstanding send should free the slot")
}

func TestThrottlerRejectsStaleEndpoint(t *testing.T) {
	th := NewThrottler(ThrottlerConfig{MaxOutstanding: 10, StaleAfter: 10 * time.Millisecond})
	addr := netip.MustParseAddrPort("1.2.3.4:6881")

	th.Track(addr)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, th.Allow(addr), "an endpoint with a send older than StaleAfter must be throttled")
}

func TestThrottlerIndependentPerEndpoint(t *testing.T) {
	th := NewThrottler(ThrottlerConfig{MaxOutstanding: 1, StaleAfter: time.Minute})
	a := netip.MustParseAddrPort("1.2.3.4:6881")
	b := netip.MustParseAddrPort("5.6.7.8:6881")

	th.Track(a)
	assert.False(t, th.Allow(a))
	assert.True(t, th.Allow(b), "throttling one endpoint must not affect another")
}
