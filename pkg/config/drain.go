package config

import "time"

// DrainConfig holds runtime configuration for the log drain process.
type DrainConfig struct {
	Environment        string
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaGroupID       string
	HeartbeatInterval  time.Duration
	DrainTimeout       time.Duration
	DeploymentID       string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePass     string
}

// LoadDrainConfig constructs a DrainConfig from environment variables.
func LoadDrainConfig() DrainConfig {
	return DrainConfig{
		Environment:        GetString("APP_ENV", "development"),
		KafkaBrokers:       KafkaBrokers(GetString("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         GetString("KAFKA_LOG_TOPIC", "build-logs"),
		KafkaGroupID:       GetString("KAFKA_GROUP_ID", "log-events-group"),
		HeartbeatInterval:  GetDuration("KAFKA_HEARTBEAT_INTERVAL", 3*time.Second),
		DrainTimeout:       GetDuration("DRAIN_TIMEOUT", 10*time.Minute),
		DeploymentID:       GetString("DEPLOYMENT_ID", ""),
		ClickHouseAddr:     GetString("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDatabase: GetString("CLICKHOUSE_DATABASE", "default"),
		ClickHouseUser:     GetString("CLICKHOUSE_USER", "default"),
		ClickHousePass:     GetString("CLICKHOUSE_PASSWORD", ""),
	}
}
