package fsm

import "github.com/releasekit/installer/pkg/pipeline"

// InstallRequest is the FSM input. It is persisted by the FSM store, so it
// carries plain fields only.
type InstallRequest struct {
	RunID           string
	URL             string
	ExpectedSize    int64
	Checksum        string
	SignatureURL    string
	AllowUnverified bool
	TargetDir       string
	Version         string
	Format          string
	EnsureDirs      []string
}

func (r *InstallRequest) pipeline() pipeline.InstallRequest {
	return pipeline.InstallRequest{
		ID:              r.RunID,
		URL:             r.URL,
		ExpectedSize:    r.ExpectedSize,
		Checksum:        r.Checksum,
		SignatureURL:    r.SignatureURL,
		AllowUnverified: r.AllowUnverified,
		TargetDir:       r.TargetDir,
		Version:         r.Version,
		Format:          r.Format,
		EnsureDirs:      r.EnsureDirs,
	}
}

// FromPipeline converts a pipeline request into the FSM input.
func FromPipeline(req pipeline.InstallRequest) *InstallRequest {
	return &InstallRequest{
		RunID:           req.ID,
		URL:             req.URL,
		ExpectedSize:    req.ExpectedSize,
		Checksum:        req.Checksum,
		SignatureURL:    req.SignatureURL,
		AllowUnverified: req.AllowUnverified,
		TargetDir:       req.TargetDir,
		Version:         req.Version,
		Format:          req.Format,
		EnsureDirs:      req.EnsureDirs,
	}
}

// InstallResponse is the FSM output (accumulated across transitions)
type InstallResponse struct {
	// From Queued
	Recovered string

	// From Install
	State        string
	Attempts     int
	ShortCircuit bool
	Change       string
	Checksum     string
	Trust        string

	// From Install/Failed
	ErrorKind    string
	ErrorMessage string
}
