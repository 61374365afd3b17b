package entity

// DownloadStatus is the coarse result of a Download call.
type DownloadStatus string

const (
	DownloadSuccess     DownloadStatus = "success"
	DownloadFailed      DownloadStatus = "failed"
	DownloadRateLimited DownloadStatus = "rate_limited"
	DownloadInvalidURL  DownloadStatus = "invalid_url"
)

// DownloadOutcome is returned by the coordinator for every Download call.
type DownloadOutcome struct {
	Status           DownloadStatus
	LocalPath        string
	ErrorMessage     string
	BytesTransferred int64
	Service          string
	Failure          FailureKind
	// RecoveredFrom names the recovery provider when the bytes came from a
	// substitute URL.
	RecoveredFrom string
	Quality       QualityTier
	// Cached is true when the result was served from session state without
	// any network call.
	Cached bool
}

// OK reports whether the download succeeded.
func (o DownloadOutcome) OK() bool {
	return o.Status == DownloadSuccess
}

// RetryRunStats summarizes one pass over the ledger's ready items.
type RetryRunStats struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}
