package util

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

// PartitionIndex maps a 64-bit hash to a partition in [0, n).
// Uses the mask fast path when n is a power of two and modulo otherwise,
// so arbitrary partition counts stay correct.
func PartitionIndex(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(n)) {
		return int(hash & uint64(n-1))
	}
	return int(hash % uint64(n))
}

// CeilDiv splits a total budget across n parts, rounding up.
// A non-positive total stays as-is (callers treat it as "unbounded").
func CeilDiv(total, n int) int {
	if total <= 0 || n <= 1 {
		return total
	}
	return (total + n - 1) / n
}
