package transfer

// DefaultBlockSize is the number of bytes requested per block.
const DefaultBlockSize = 1000

// Block is an inclusive byte range of the remote file.
type Block struct {
	Start int64
	End   int64
}

func (b Block) Len() int64 { return b.End - b.Start + 1 }

// NextBlock returns the block following the first received bytes, clipped to
// min(blockSize, total-received).
func NextBlock(received, total, blockSize int64) Block {
	n := min(blockSize, total-received)
	return Block{Start: received, End: received + n - 1}
}

// PlanBlocks lists every block of a total-byte file in request order.
func PlanBlocks(total, blockSize int64) []Block {
	if total <= 0 || blockSize <= 0 {
		return nil
	}
	blocks := make([]Block, 0, (total+blockSize-1)/blockSize)
	for received := int64(0); received < total; {
		b := NextBlock(received, total, blockSize)
		blocks = append(blocks, b)
		received += b.Len()
	}
	return blocks
}
