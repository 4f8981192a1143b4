package asdb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

func TestResolver_ASNToIP_UsesLexicographicallyFirstPrefix(t *testing.T) {
	r := NewResolver(mustParse(t), 0)

	ip, ok := r.ASNToIP(300)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip)

	ip, ok = r.ASNToIP(400)
	assert.True(t, ok)
	assert.Equal(t, "2001:db8::1", ip)
}

func TestResolver_ASNToIP_UnknownASIsAbsent(t *testing.T) {
	r := NewResolver(mustParse(t), 0)
	ip, ok := r.ASNToIP(64500)
	assert.False(t, ok)
	assert.Empty(t, ip)

	// the miss is memoized too
	_, ok = r.ASNToIP(64500)
	assert.False(t, ok)
	asnToIP, _ := r.MemoSizes()
	assert.Equal(t, 1, asnToIP)
}

func TestResolver_IPToASN_Memoizes(t *testing.T) {
	r := NewResolver(mustParse(t), 0)

	assert.Equal(t, aspath.ASN(101), r.IPToASN("1.2.3.4"))
	assert.Equal(t, aspath.ASN(101), r.IPToASN("1.2.3.4"))
	assert.Equal(t, aspath.NoASN, r.IPToASN("8.8.8.8"))

	_, ipToASN := r.MemoSizes()
	assert.Equal(t, 2, ipToASN)
}

func TestResolver_BoundedMemoEvicts(t *testing.T) {
	r := NewResolver(mustParse(t), 2)
	for _, ip := range []string{"1.2.3.4", "5.6.7.8", "9.9.9.9", "10.1.1.1"} {
		r.IPToASN(ip)
	}
	_, ipToASN := r.MemoSizes()
	assert.Equal(t, 2, ipToASN)
	// evicted entries are recomputed, not lost
	assert.Equal(t, aspath.ASN(101), r.IPToASN("1.2.3.4"))
}

func TestResolver_ConcurrentLookups(t *testing.T) {
	r := NewResolver(mustParse(t), 0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, aspath.ASN(200), r.IPToASN("5.6.7.8"))
			ip, _ := r.ASNToIP(100)
			assert.Equal(t, "1.2.0.1", ip)
		}()
	}
	wg.Wait()
}
