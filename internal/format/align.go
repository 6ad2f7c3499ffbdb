package format

// Align8 returns n aligned up to the next 8-byte boundary.
//
// Example:
//
//	Align8(1)  = 8
//	Align8(8)  = 8
//	Align8(9)  = 16
func Align8(n int) int {
	return (n + AlignmentMask) &^ AlignmentMask
}

// AlignUnit returns n aligned up to the next BlockUnit boundary. Arena
// capacities and growth steps use it.
//
// Example:
//
//	AlignUnit(1)   = 32
//	AlignUnit(256) = 256
//	AlignUnit(257) = 288
func AlignUnit(n int) int {
	return ((n + BlockUnit - 1) / BlockUnit) * BlockUnit
}

// AlignTo returns n aligned up to a multiple of q. A q below BlockUnit is
// treated as BlockUnit, and the result is always a BlockUnit multiple.
func AlignTo(n, q int) int {
	if q < BlockUnit {
		q = BlockUnit
	}
	return AlignUnit(((n + q - 1) / q) * q)
}
