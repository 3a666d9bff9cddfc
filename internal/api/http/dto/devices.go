package dto

import "time"

type DeviceInfo struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	Status     string     `json:"status"`
	PairedAt   time.Time  `json:"paired_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	Connected  bool       `json:"connected"`
}

type DevicesResponse struct {
	HostID     string       `json:"host_id"`
	MaxDevices int          `json:"max_devices"`
	Devices    []DeviceInfo `json:"devices"`
	Count      int          `json:"count"`
}
