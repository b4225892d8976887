package domain

import "time"

// Project describes a deployable unit bound to a source repository.
type Project struct {
	ID             string
	OwnerID        string
	Name           string
	RepoURL        string
	InstallCommand string
	BuildCommand   string
	RootDir        string
	Subdomain      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ArtifactScope returns the object-store key scope for the project's build
// output. Artifacts follow the subdomain so that serving stays a pure prefix
// lookup; projects created before a subdomain is assigned fall back to the id.
func (p Project) ArtifactScope() string {
	if p.Subdomain != "" {
		return p.Subdomain
	}
	return p.ID
}
