package blockAlloc

func isPowerOfTwo(num uint64) bool {
	return num != 0 && num&(num-1) == 0
}

// alignUp rounds addr up to the next multiple of align (a power of two).
// align values 0 and 1 leave addr unchanged.
func alignUp(addr Addr, align uint64) Addr {
	if align <= 1 {
		return addr
	}
	mask := Addr(align - 1)
	return (addr + mask) &^ mask
}
