package diagcache

import (
	"fmt"
	"hash"
	"io"
	"sync"
)

// Default size for the buffer used when hashing content
const defaultBufferSize = 32 * 1024 // 32KB

// bufferPool is a pool of byte slices used for I/O during hashing and copying
var bufferPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, defaultBufferSize)
		return &buffer
	},
}

// hashFile streams content into h and returns the number of bytes consumed.
func hashFile(content io.Reader, h hash.Hash) (int64, error) {
	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	n, err := io.CopyBuffer(h, content, buffer)
	if err != nil {
		return n, fmt.Errorf("failed to copy content: %w", err)
	}
	return n, nil
}
