package client

// EventName is the SSE event carrying backend status.
const EventName = "backend-status"

// Status is the backend-status payload: {ready, port, error|null}.
type Status struct {
	Ready bool    `json:"ready"`
	Port  uint16  `json:"port"`
	Error *string `json:"error"`
}

// ErrorText returns the error message or "".
func (s Status) ErrorText() string {
	if s.Error == nil {
		return ""
	}
	return *s.Error
}

// BackendInfo is the supervisor detail view.
type BackendInfo struct {
	Port     uint16 `json:"port"`
	PID      int    `json:"pid"`
	Restarts int    `json:"restarts"`
	State    string `json:"state"`
	Ready    bool   `json:"ready"`
}

type portResponse struct {
	Port uint16 `json:"port"`
}
