package svox

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestBox3i(c *C) {
	b := NewBox3i(Point3i{-8, 0, 16}, Point3i{16, 16, 16})
	c.Assert(b.End(), Equals, Point3i{8, 16, 32})
	c.Assert(b.IsEmpty(), Equals, false)
	c.Assert(b.String(), Equals, "[(-8,0,16), (8,16,32))")

	c.Assert(b.Contains(Point3i{-8, 0, 16}), Equals, true)
	c.Assert(b.Contains(Point3i{7, 15, 31}), Equals, true)
	c.Assert(b.Contains(Point3i{8, 0, 16}), Equals, false)
	c.Assert(b.Contains(Point3i{0, -1, 20}), Equals, false)

	c.Assert(b.ContainsBox(NewBox3i(Point3i{0, 0, 16}, Point3i{8, 16, 16})), Equals, true)
	c.Assert(b.ContainsBox(b), Equals, true)
	c.Assert(b.ContainsBox(b.Padded(1)), Equals, false)

	c.Assert(Box3iFromMinMax(Point3i{0, 0, 0}, Point3i{0, 4, 4}).IsEmpty(), Equals, true)
}

func (s *DataSuite) TestBox3iClip(c *C) {
	a := Box3iFromMinMax(Point3i{0, 0, 0}, Point3i{10, 10, 10})
	b := Box3iFromMinMax(Point3i{5, -5, 5}, Point3i{15, 5, 15})

	clipped := a.Clipped(b)
	c.Assert(clipped, Equals, Box3iFromMinMax(Point3i{5, 0, 5}, Point3i{10, 5, 10}))
	c.Assert(a.Intersects(b), Equals, true)

	disjoint := Box3iFromMinMax(Point3i{20, 20, 20}, Point3i{30, 30, 30})
	c.Assert(a.Intersects(disjoint), Equals, false)
	c.Assert(a.Clipped(disjoint).IsEmpty(), Equals, true)
}

func (s *DataSuite) TestBox3iDownscale(c *C) {
	// A 1-voxel box straddling nothing still covers its one block.
	b := NewBox3i(Point3i{0, 0, 0}, Point3i{1, 1, 1})
	c.Assert(b.DownscaledPo2(4), Equals, NewBox3i(Point3i{0, 0, 0}, Point3i{1, 1, 1}))

	// Spanning the origin covers the negative block too.
	b = Box3iFromMinMax(Point3i{-1, -1, -1}, Point3i{1, 1, 1})
	c.Assert(b.DownscaledPo2(4), Equals, Box3iFromMinMax(Point3i{-1, -1, -1}, Point3i{1, 1, 1}))

	// Exactly aligned boxes do not bleed into the next block.
	b = Box3iFromMinMax(Point3i{0, 16, -16}, Point3i{16, 32, 0})
	c.Assert(b.DownscaledPo2(4), Equals, Box3iFromMinMax(Point3i{0, 1, -1}, Point3i{1, 2, 0}))
}

func (s *DataSuite) TestBox3iForEach(c *C) {
	b := NewBox3i(Point3i{1, 2, 3}, Point3i{2, 2, 2})
	var visited []Point3i
	b.ForEachCellZYX(func(p Point3i) {
		visited = append(visited, p)
	})
	c.Assert(len(visited), Equals, 8)
	c.Assert(visited[0], Equals, Point3i{1, 2, 3})
	c.Assert(visited[1], Equals, Point3i{2, 2, 3})
	c.Assert(visited[2], Equals, Point3i{1, 3, 3})
	c.Assert(visited[7], Equals, Point3i{2, 3, 4})
}
