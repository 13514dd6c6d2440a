package onewire

// Search walks the ROM search tree and returns every validated device
// address on the bus, in an order that is deterministic for a fixed bus
// topology. Addresses whose CRC fails or whose family code differs from
// family are counted in discarded instead of returned.
//
// An empty bus (no presence pulse) yields an empty result with nil error;
// the retry policy above decides when that becomes a failure.
func Search(t Transport, family byte) (found []Address, discarded int, err error) {
	var rom [8]byte

	// Bit position of the most recent unresolved branch point. The next
	// pass repeats the previous path up to here, takes the 1-branch at
	// it, and descends 0-first past it.
	lastDiscrepancy := -1

	for {
		present, err := t.Reset()
		if err != nil {
			return found, discarded, err
		}
		if !present {
			return found, discarded, nil
		}
		if err := WriteByte(t, CmdSearchROM); err != nil {
			return found, discarded, err
		}

		lastZero := -1
		aborted := false

		for pos := 0; pos < 64; pos++ {
			idBit, err := t.ReadBit()
			if err != nil {
				return found, discarded, err
			}
			cmpBit, err := t.ReadBit()
			if err != nil {
				return found, discarded, err
			}

			var dir byte
			switch {
			case idBit == 1 && cmpBit == 1:
				// Nobody answered this position: every device dropped
				// out, the pass is void.
				aborted = true
			case idBit != cmpBit:
				// All remaining devices agree on this bit.
				dir = idBit
			default:
				// Devices disagree here.
				switch {
				case pos < lastDiscrepancy:
					dir = (rom[pos/8] >> uint(pos%8)) & 0x01
				case pos == lastDiscrepancy:
					dir = 1
				default:
					dir = 0
				}
				if dir == 0 {
					lastZero = pos
				}
			}
			if aborted {
				break
			}

			if dir != 0 {
				rom[pos/8] |= 1 << uint(pos%8)
			} else {
				rom[pos/8] &^= 1 << uint(pos%8)
			}
			if err := t.WriteBit(dir); err != nil {
				return found, discarded, err
			}
		}
		if aborted {
			return found, discarded, nil
		}

		addr := Address(rom)
		if addr.Valid() && addr.Family() == family {
			found = append(found, addr)
		} else {
			discarded++
		}

		lastDiscrepancy = lastZero
		if lastZero < 0 {
			return found, discarded, nil
		}
	}
}
