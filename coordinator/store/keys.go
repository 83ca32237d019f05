package store

import (
	"fmt"
)

// DeviceKey builds the Redis key for one device record.
// Format: retirecluster:devices:{deviceID}
func DeviceKey(deviceID string) string {
	return fmt.Sprintf("retirecluster:devices:%s", deviceID)
}

// DevicePrefix is the scan pattern for all device records.
const DevicePrefix = "retirecluster:devices:"
