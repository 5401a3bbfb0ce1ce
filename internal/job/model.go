package job

// Csr is the canonical server-side record for a submission, keyed
// by its serial under "csr:<serial>".
type Csr struct {
	PEM         string    `json:"pem"`
	ClientAlias string    `json:"client_alias"`
	Status      JobStatus `json:"status"`
}

// ClientJob is the externally visible view indexed by alias, keyed under
// "alt:<alias>".
type ClientJob struct {
	Alias    string      `json:"alias"`
	ClientID uint64      `json:"client_id"`
	Serial   uint64      `json:"serial"`
	Status   AliasStatus `json:"status"`
}
