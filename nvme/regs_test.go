package nvme

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegBlock64(t *testing.T) {
	r := NewRegBlock(make([]uint32, (RegDBS+64)/4))

	r.Write64(RegASQ, 0xdeadbeef00001000)
	assert.Equal(t, uint64(0xdeadbeef00001000), r.Read64(RegASQ))
	assert.Equal(t, uint32(0x00001000), r.Read32(RegASQ))
	assert.Equal(t, uint32(0xdeadbeef), r.Read32(RegASQ+4))
}

func TestRegBlockConcurrentDoorbells(t *testing.T) {
	r := NewRegBlock(make([]uint32, (RegDBS+8*16)/4))

	var wg sync.WaitGroup
	for q := uint16(0); q < 8; q++ {
		wg.Add(1)
		go func(q uint16) {
			defer wg.Done()
			for i := uint32(1); i <= 1000; i++ {
				r.Write32(SQDoorbell(q), i)
				_ = r.Read32(CQDoorbell(q))
			}
		}(q)
	}
	wg.Wait()

	for q := uint16(0); q < 8; q++ {
		assert.Equal(t, uint32(1000), r.Read32(SQDoorbell(q)))
	}
}

func TestDoorbellOffsets(t *testing.T) {
	assert.Equal(t, RegDBS, SQDoorbell(0))
	assert.Equal(t, RegDBS+4, CQDoorbell(0))
	assert.Equal(t, RegDBS+24, SQDoorbell(3))
	assert.Equal(t, RegDBS+28, CQDoorbell(3))
}

func TestAQAFields(t *testing.T) {
	aqa := uint32(64)<<16 | 64
	assert.Equal(t, uint16(64), AQASQSize(aqa))
	assert.Equal(t, uint16(64), AQACQSize(aqa))
}
