package ipc

import "plotkeeper/internal/api"

// serviceName is the RPC receiver name registered by the server.
const serviceName = "Plotkeeper"

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse carries the daemon status in its API form.
type StatusResponse struct {
	Status api.DaemonStatus `json:"status"`
}

// DevicesRequest fetches the arbitrated devices.
type DevicesRequest struct{}

// DevicesResponse lists devices with eligibility and job state.
type DevicesResponse struct {
	Devices []api.DeviceStatus `json:"devices"`
}

// HistoryRequest fetches recent job runs. A non-positive limit uses the
// server default.
type HistoryRequest struct {
	Limit int `json:"limit"`
}

// HistoryResponse contains recent job runs, newest first.
type HistoryResponse struct {
	Runs []api.HistoryEntry `json:"runs"`
}

// StopRequest asks the daemon to shut down.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}
