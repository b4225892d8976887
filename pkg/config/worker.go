package config

import "time"

// ProjectEnvPrefix marks environment variables that are forwarded into the
// build child process alongside the base environment.
const ProjectEnvPrefix = "SHIPYARD_ENV_"

// WorkerConfig holds runtime configuration for a single build worker process.
type WorkerConfig struct {
	Environment    string
	ProjectID      string
	DeploymentID   string
	Subdomain      string
	InstallCommand string
	BuildCommand   string
	RootDir        string
	OutputDir      string
	WorkspaceRoot  string
	BuildTimeout   time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
	ArtifactBucket string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:    GetString("APP_ENV", "development"),
		ProjectID:      GetString("PROJECT_ID", ""),
		DeploymentID:   GetString("DEPLOYMENT_ID", ""),
		Subdomain:      GetString("PROJECT_SUBDOMAIN", ""),
		InstallCommand: GetString("INSTALL_COMMAND", "npm install"),
		BuildCommand:   GetString("BUILD_COMMAND", "npm run build"),
		RootDir:        GetString("ROOT_DIR", "."),
		OutputDir:      GetString("OUTPUT_DIR", "dist"),
		WorkspaceRoot:  GetString("WORKSPACE_ROOT", "/tmp/shipyard"),
		BuildTimeout:   GetDuration("BUILD_TIMEOUT", 10*time.Minute),
		KafkaBrokers:   KafkaBrokers(GetString("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:     GetString("KAFKA_LOG_TOPIC", "build-logs"),
		ArtifactBucket: GetString("ARTIFACT_BUCKET", "shipyard-artifacts"),
		S3Endpoint:     GetString("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:    GetString("S3_ACCESS_KEY", ""),
		S3SecretKey:    GetString("S3_SECRET_KEY", ""),
		S3UseSSL:       GetBool("S3_USE_SSL", false),
	}
}
