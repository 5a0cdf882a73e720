package strategy

// SourceRef identifies one retrieved source inside a strategy execution.
// Source is "rag" or "web"; synthesized interim findings carry "synthesis"
// but never leave the execution scope.
type SourceRef struct {
	Content string `json:"content,omitempty"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Source  string `json:"source"`
}

// Result is the outcome of one compiled strategy execution. Success implies a
// non-empty Report; failure implies a non-empty Error plus whatever
// ExecutionLog had accumulated before the failure.
type Result struct {
	Success      bool        `json:"success"`
	Report       string      `json:"report"`
	Sources      []SourceRef `json:"sources"`
	ExecutionLog []string    `json:"execution_log"`
	Error        string      `json:"error,omitempty"`
}

// Context carries the research request into a program execution.
type Context struct {
	Topic              string `json:"topic"`
	ReportOrganization string `json:"report_organization"`
	Collection         string `json:"collection"`
	SearchWeb          bool   `json:"search_web"`
}
