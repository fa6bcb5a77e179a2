package ssp

// cursor sequentially encodes/decodes fixed-width fields into a record's
// byte slice. encode and decode call sites must agree on field order; the
// field-width constants in hoststatus.go/jobcache.go/queuebuffer.go are the
// single source of truth for both directions.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) skip(n int) { c.off += n }

func (c *cursor) putByte(v byte) {
	c.buf[c.off] = v
	c.off++
}

func (c *cursor) getByte() byte {
	v := c.buf[c.off]
	c.off++
	return v
}

func (c *cursor) putString(width int, s string) {
	putFixedString(c.buf[c.off:c.off+width], s)
	c.off += width
}

func (c *cursor) getString(width int) string {
	s := getFixedString(c.buf[c.off : c.off+width])
	c.off += width
	return s
}

func (c *cursor) putInt32(v int32) {
	putLEUint32(c.buf[c.off:c.off+4], uint32(v))
	c.off += 4
}

func (c *cursor) getInt32() int32 {
	v := int32(leUint32(c.buf[c.off : c.off+4]))
	c.off += 4
	return v
}

func (c *cursor) putUint32(v uint32) {
	putLEUint32(c.buf[c.off:c.off+4], v)
	c.off += 4
}

func (c *cursor) getUint32() uint32 {
	v := leUint32(c.buf[c.off : c.off+4])
	c.off += 4
	return v
}

func (c *cursor) putInt64(v int64) {
	putLEInt64(c.buf[c.off:c.off+8], v)
	c.off += 8
}

func (c *cursor) getInt64() int64 {
	v := leInt64(c.buf[c.off : c.off+8])
	c.off += 8
	return v
}
