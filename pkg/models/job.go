package models

// SendRequest is the body of POST /v1/send.
type SendRequest struct {
	Contacts []string `json:"contacts"`
	Message  string   `json:"message"`
}

type SendResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type LogsResponse struct {
	Logs  []LogEntry `json:"logs"`
	Count int        `json:"count"`
}
