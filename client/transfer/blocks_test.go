package transfer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBlocksPartitionsFile(t *testing.T) {
	for _, size := range []int64{1, 999, 1000, 1001, 2500, 10000, 123457} {
		for _, bs := range []int64{1, 7, 1000, 4096} {
			blocks := PlanBlocks(size, bs)
			require.Len(t, blocks, int((size+bs-1)/bs), "size=%d block=%d", size, bs)

			next := int64(0)
			for _, b := range blocks {
				require.Equal(t, next, b.Start, "gap or overlap at size=%d block=%d", size, bs)
				require.LessOrEqual(t, b.Len(), bs)
				require.Positive(t, b.Len())
				next = b.End + 1
			}
			assert.Equal(t, size, next)
		}
	}
}

func TestPlanBlocks2500(t *testing.T) {
	want := []Block{{0, 999}, {1000, 1999}, {2000, 2499}}
	if diff := cmp.Diff(want, PlanBlocks(2500, 1000)); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanBlocksEmpty(t *testing.T) {
	assert.Empty(t, PlanBlocks(0, 1000))
}

func TestNextBlockClipsToRemaining(t *testing.T) {
	assert.Equal(t, Block{Start: 2000, End: 2499}, NextBlock(2000, 2500, 1000))
	assert.Equal(t, Block{Start: 0, End: 9}, NextBlock(0, 10, 1000))
}
