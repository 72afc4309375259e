package protocol

// Envelope is the backend's response wrapper: {"success": true, "data": ...}.
type Envelope[T any] struct {
	Success *bool  `json:"success,omitempty"`
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
	Count   *int   `json:"count,omitempty"`
}

// RegisterRequest is the identity sent to POST /devices/register.
type RegisterRequest struct {
	SerialNumber    string `json:"serialNumber"`
	MACAddress      string `json:"macAddress,omitempty"`
	DeviceModel     string `json:"deviceModel"`
	DeviceOSVersion string `json:"deviceOsVersion"`
	AppVersion      string `json:"appVersion"`
}

// RegisterResponse is returned by the registration endpoint.
type RegisterResponse struct {
	DeviceToken         string `json:"deviceToken"`
	AuthorizationStatus string `json:"authorizationStatus"`
	DisplayID           *int64 `json:"displayId,omitempty"`
	DisplayIdentifier   string `json:"displayIdentifier,omitempty"`
}

// StatusResponse is returned by GET /devices/status.
type StatusResponse struct {
	AuthorizationStatus string `json:"authorizationStatus"`
	DisplayID           *int64 `json:"displayId,omitempty"`
	DisplayIdentifier   string `json:"displayIdentifier,omitempty"`
}

// HeartbeatRequest is sent to POST /devices/heartbeat.
type HeartbeatRequest struct {
	AppVersion string `json:"appVersion"`
}

// HeartbeatResponse is returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	AuthorizationStatus string `json:"authorizationStatus"`
}
