package upload

import "bytes"

// lineCursor splits a streamed response into newline-delimited lines.
// Text past the last newline is held back until more data arrives, so every
// complete line is returned exactly once and in order.
type lineCursor struct {
	pending []byte
}

// feed appends chunk and returns the lines it completed. Blank lines are
// skipped.
func (c *lineCursor) feed(chunk []byte) [][]byte {
	c.pending = append(c.pending, chunk...)

	var lines [][]byte
	pos := 0
	for {
		i := bytes.IndexByte(c.pending[pos:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(c.pending[pos : pos+i])
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		pos += i + 1
	}
	if pos > 0 {
		c.pending = append(c.pending[:0], c.pending[pos:]...)
	}
	return lines
}

// rest returns whatever follows the last newline once the response is
// complete.
func (c *lineCursor) rest() []byte {
	line := bytes.TrimSpace(c.pending)
	c.pending = nil
	if len(line) == 0 {
		return nil
	}
	return bytes.Clone(line)
}
