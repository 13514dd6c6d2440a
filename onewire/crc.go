package onewire

// CRC8 computes the Dallas/Maxim CRC (polynomial 0x31, reflected form
// 0x8c) used by both ROM IDs and scratchpad payloads. Validation sites
// use the periph.io checker; this generator exists for building CRC'd
// buffers, which the library does not offer.
func CRC8(data []byte) byte {
	var crc byte
	for _, in := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ in) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			in >>= 1
		}
	}
	return crc
}
