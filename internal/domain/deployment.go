package domain

import "time"

// Environments a deployment can target.
const (
	EnvPreview    = "preview"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Providers that can host a deployment.
const (
	ProviderVercel  = "vercel"
	ProviderNetlify = "netlify"
	ProviderAWS     = "aws"
	ProviderGCP     = "gcp"
)

// ValidEnvironment reports whether env names a known deployment target.
func ValidEnvironment(env string) bool {
	switch env {
	case EnvPreview, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// ValidProvider reports whether name is a supported hosting provider.
func ValidProvider(name string) bool {
	switch name {
	case ProviderVercel, ProviderNetlify, ProviderAWS, ProviderGCP:
		return true
	}
	return false
}

// Deployment captures one attempt to place a branch/commit into an environment.
type Deployment struct {
	ID             string
	ProjectID      string
	CreatedBy      string
	Environment    string
	Provider       string
	Branch         string
	CommitSHA      string
	CommitMessage  string
	BuildCommand   string
	EnvVars        map[string]string
	Status         string
	URL            string
	Error          string
	Message        string
	Log            []LogStep
	PromotedFrom   *string
	RolledBackFrom *string
	CreatedAt      time.Time
	DeployedAt     *time.Time
	UpdatedAt      time.Time
}

// DeploymentStatusUpdate captures mutable fields for a deployment row.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	URL          string
	Error        string
	Message      string
	DeployedAt   *time.Time
}

// Log levels for deployment log steps.
const (
	LogLevelInfo    = "info"
	LogLevelError   = "error"
	LogLevelSuccess = "success"
)

// LogStep is one append-only entry in a deployment's execution log.
type LogStep struct {
	Step  string    `json:"step"`
	At    time.Time `json:"at"`
	Level string    `json:"level"`
}
