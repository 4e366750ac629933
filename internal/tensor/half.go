package tensor

import "math"

// Conversions between float32 and the two half-width encodings the
// checkpoint writer can emit. Training always runs on float32 master
// weights; these are used only at the serialisation boundary.

// F32ToBF16 truncates a float32 to bfloat16 (round to nearest even).
func F32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	// round to nearest even on the dropped 16 bits
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}

// BF16ToF32 widens a bfloat16 to float32.
func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// F32ToF16 converts a float32 to IEEE binary16 with round to nearest even.
func F32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xFF) - 127 + 15
	frac := bits & 0x7FFFFF

	if exp >= 0x1F {
		// overflow or inf/nan
		if (bits&0x7F800000) == 0x7F800000 && frac != 0 {
			return sign | 0x7E00 // quiet nan
		}
		return sign | 0x7C00
	}
	if exp <= 0 {
		if exp < -10 {
			return sign // underflow to signed zero
		}
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(frac >> shift)
		dropped := frac & (1<<shift - 1)
		midpoint := uint32(1) << (shift - 1)
		if dropped > midpoint || (dropped == midpoint && half&1 == 1) {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(frac>>13)
	dropped := frac & 0x1FFF
	if dropped > 0x1000 || (dropped == 0x1000 && half&1 == 1) {
		half++
	}
	return half
}

// F16ToF32 widens an IEEE binary16 to float32.
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
