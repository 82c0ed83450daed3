package permission

// Mask is a fixed-width permission bitmask.
type Mask interface {
	// Has reports whether bit is set. When rootReserved is true and the
	// highest bit is set, Has returns true for every bit.
	Has(bit int, rootReserved bool) bool
	Set(bit int)
	Clear(bit int)
}

// Mask64 is a 64-bit permission bitmask.
type Mask64 uint64

func (m *Mask64) Has(bit int, rootReserved bool) bool {
	if bit < 0 || bit >= 64 {
		return false
	}

	if rootReserved {
		// root bit = highest bit
		if (*m & (1 << 63)) != 0 {
			return true
		}
	}

	return (*m & (1 << bit)) != 0
}

func (m *Mask64) Set(bit int) {
	if bit < 0 || bit >= 64 {
		return
	}
	*m |= (1 << bit)
}

func (m *Mask64) Clear(bit int) {
	if bit < 0 || bit >= 64 {
		return
	}
	*m &^= (1 << bit)
}

// Mask128 is a 128-bit permission bitmask.
type Mask128 struct {
	A uint64
	B uint64
}

func (m *Mask128) Has(bit int, rootReserved bool) bool {
	if bit < 0 || bit >= 128 {
		return false
	}

	if rootReserved {
		// root bit = highest bit of B
		if (m.B & (1 << 63)) != 0 {
			return true
		}
	}

	if bit < 64 {
		return (m.A & (1 << bit)) != 0
	}
	return (m.B & (1 << (bit - 64))) != 0
}

func (m *Mask128) Set(bit int) {
	if bit < 0 || bit >= 128 {
		return
	}
	if bit < 64 {
		m.A |= (1 << bit)
	} else {
		m.B |= (1 << (bit - 64))
	}
}

func (m *Mask128) Clear(bit int) {
	if bit < 0 || bit >= 128 {
		return
	}
	if bit < 64 {
		m.A &^= (1 << bit)
	} else {
		m.B &^= (1 << (bit - 64))
	}
}

func newMask(maxBits int) Mask {
	if maxBits == 128 {
		return &Mask128{}
	}
	m := Mask64(0)
	return &m
}
