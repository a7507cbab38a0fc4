// Package diskusage reports filesystem occupancy for the disk-pressure
// trigger.
package diskusage

// Usage describes the filesystem holding a path.
type Usage struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Percent returns used space as a percentage of total. An empty filesystem
// reports zero rather than dividing by zero.
func (u Usage) Percent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	used := u.TotalBytes - u.FreeBytes
	return 100 * float64(used) / float64(u.TotalBytes)
}

// Provider measures the filesystem backing a path. The disk monitor depends
// on this interface so tests can script pressure scenarios.
type Provider interface {
	Usage(path string) (Usage, error)
}

// Static is a fixed-answer Provider for tests and dry runs.
type Static struct {
	Result Usage
	Err    error
}

func (s Static) Usage(string) (Usage, error) { return s.Result, s.Err }
