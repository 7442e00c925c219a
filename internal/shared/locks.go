package shared

import (
	"fmt"
	"strings"
)

// TruckLockKey names the advisory lock serialising writes for a truck.
func TruckLockKey(truck string) string {
	return fmt.Sprintf("weighing:truck:%s:lock", strings.TrimSpace(truck))
}

// BillLockKey names the singleflight key for a provider bill over a range.
func BillLockKey(providerID int64, from, to string) string {
	return fmt.Sprintf("billing:provider:%d:%s:%s", providerID, from, to)
}
