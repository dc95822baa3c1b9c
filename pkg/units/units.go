// Package units provides binary size unit multipliers (1024-based) and
// conversions between byte counts and the coarser units used in logs,
// budgets, and CLI output.
package units

// Binary size multipliers.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// BytesToMiB converts a byte count to whole mebibytes, rounding down.
func BytesToMiB(b uint64) uint64 {
	return b / MiB
}

// BytesToGiB converts a byte count to whole gibibytes, rounding down.
func BytesToGiB(b uint64) uint64 {
	return b / GiB
}

// GiBToBytes converts whole gibibytes to a byte count.
func GiBToBytes(g uint64) uint64 {
	return g * GiB
}
