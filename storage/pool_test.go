package storage

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestPoolRoundTrip(c *C) {
	p := GlobalPool()
	c.Assert(p, NotNil)

	used := p.UsedBlocks()
	a := p.Allocate(64)
	c.Assert(len(a), Equals, 64)
	c.Assert(p.UsedBlocks(), Equals, used+1)

	for i := range a {
		a[i] = 0xff
	}
	p.Recycle(a)
	c.Assert(p.UsedBlocks(), Equals, used)

	// A recycled slice comes back zeroed.
	b := p.Allocate(64)
	c.Assert(len(b), Equals, 64)
	for i := range b {
		c.Assert(b[i], Equals, byte(0))
	}
	p.Recycle(b)
	p.ClearUnused()
}

func (s *DataSuite) TestPoolSizeClasses(c *C) {
	p := GlobalPool()

	a := p.Allocate(128)
	b := p.Allocate(256)
	p.Recycle(a)
	p.Recycle(b)

	// Each size gets its own free list, so a differently-sized request
	// does not reuse a recycled slice of another class.
	d := p.Allocate(256)
	c.Assert(len(d), Equals, 256)
	p.Recycle(d)
	p.ClearUnused()
}

func (s *DataSuite) TestPoolZeroSize(c *C) {
	p := GlobalPool()
	c.Assert(p.Allocate(0), IsNil)
	p.Recycle(nil) // no-op
}
