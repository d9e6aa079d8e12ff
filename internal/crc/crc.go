// Package crc implements the CRC-16/CCITT (XModem) checksum used by CiA 301
// SDO block transfer to validate a completed sub-block.
package crc

// CRC16 is a running CRC-16/CCITT value: polynomial 0x1021, initial value 0,
// MSB-first, no input/output reflection, no final XOR.
type CRC16 uint16

// Single folds one byte into the running checksum.
func (c *CRC16) Single(b byte) {
	crc := uint16(*c)
	crc ^= uint16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc <<= 1
		}
	}
	*c = CRC16(crc)
}

// Block folds every byte of data into the running checksum, in order.
func (c *CRC16) Block(data []byte) {
	for _, b := range data {
		c.Single(b)
	}
}
