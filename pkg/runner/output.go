// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"bytes"
	"fmt"
	"sync"
)

// outputBuffer retains the head and the tail of the written stream once it
// overflows the limit. Fuzzers can produce gigabytes of output while the
// interesting parts are the startup banner and the crash at the end.
type outputBuffer struct {
	mu      sync.Mutex
	head    []byte
	headCap int
	tail    []byte
	tailCap int
	tailOff int
	cut     int
}

func newOutputBuffer(limit int) *outputBuffer {
	if limit < 2 {
		limit = 2
	}
	return &outputBuffer{
		headCap: limit / 2,
		tailCap: limit - limit/2,
	}
}

// Write never fails; stdout and stderr of the child both land here.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if room := b.headCap - len(b.head); room > 0 {
		take := min(room, len(p))
		b.head = append(b.head, p[:take]...)
		p = p[take:]
	}
	for _, c := range p {
		if len(b.tail) < b.tailCap {
			b.tail = append(b.tail, c)
			continue
		}
		b.tail[b.tailOff] = c
		b.tailOff = (b.tailOff + 1) % b.tailCap
		b.cut++
	}
	return n, nil
}

func (b *outputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	tail := append(append([]byte{}, b.tail[b.tailOff:]...), b.tail[:b.tailOff]...)
	if b.cut == 0 {
		return append(append([]byte{}, b.head...), tail...)
	}
	var out bytes.Buffer
	out.Write(b.head)
	fmt.Fprintf(&out, "\n\n<<cut %d bytes out>>\n\n", b.cut)
	out.Write(tail)
	return out.Bytes()
}
