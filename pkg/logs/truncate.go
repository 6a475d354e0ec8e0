// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package logs

import (
	"bytes"
	"fmt"
)

// Truncate leaves up to `begin` bytes at the beginning of the output and
// up to `end` bytes at the end.
func Truncate(output []byte, begin, end int) []byte {
	if begin+end >= len(output) {
		return output
	}
	var b bytes.Buffer
	b.Write(output[:begin])
	if begin > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "<<cut %d bytes out>>",
		len(output)-begin-end,
	)
	if end > 0 {
		b.WriteString("\n\n")
	}
	b.Write(output[len(output)-end:])
	return b.Bytes()
}

// TruncateMiddle caps the output at max bytes, keeping equal head and tail
// halves. Fuzzer output is cut this way before upload: the interesting parts
// are the startup banner and the crash at the end.
func TruncateMiddle(output []byte, max int) []byte {
	if max <= 0 || len(output) <= max {
		return output
	}
	half := max / 2
	return Truncate(output, half, max-half)
}
