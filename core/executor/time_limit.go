package executor

import "fmt"

// FormatTimeLimit converts a requested runtime in minutes to the scheduler's
// days-hours:minutes form. One extra minute is granted on top of the request.
func FormatTimeLimit(runtimeMinutes uint64) string {
	total := runtimeMinutes + 1
	days := total / (24 * 60)
	hours := (total / 60) % 24
	minutes := total % 60
	return fmt.Sprintf("%d-%d:%d", days, hours, minutes)
}
