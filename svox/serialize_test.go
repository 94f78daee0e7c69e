package svox

import (
	"bytes"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestSerializationFormat(c *C) {
	for _, compression := range []Compression{Uncompressed, Snappy, Gzip} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			format := EncodeSerializationFormat(compression, checksum)
			compress2, checksum2 := DecodeSerializationFormat(format)
			c.Assert(compress2, Equals, compression)
			c.Assert(checksum2, Equals, checksum)
		}
	}
}

func (s *DataSuite) TestSerializeData(c *C) {
	data := []byte("\x00\x01\x02\x03 some block payload that should survive \xfe\xff")

	for _, compression := range []Compression{Uncompressed, Snappy, Gzip} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			ser, err := SerializeData(data, compression, checksum)
			c.Assert(err, IsNil)
			if len(ser) == 0 {
				c.Errorf("Bad SerializeData() - output length 0")
			}

			got, compress2, err := DeserializeData(ser, true)
			c.Assert(err, IsNil)
			c.Assert(compress2, Equals, compression)
			c.Assert(bytes.Equal(got, data), Equals, true)

			if checksum == CRC32 {
				// Flip a bit past the header and checksum.
				ser[6] = ser[6] ^ 0x04
				_, _, err = DeserializeData(ser, true)
				c.Assert(err, NotNil)
			}
		}
	}
}

func (s *DataSuite) TestSerializeCompresses(c *C) {
	data := bytes.Repeat([]byte{42}, 4096)
	ser, err := SerializeData(data, Snappy, NoChecksum)
	c.Assert(err, IsNil)
	if len(ser) >= len(data) {
		c.Errorf("Snappy compression did not shrink uniform payload: %d -> %d", len(data), len(ser))
	}
}
