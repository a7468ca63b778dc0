package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects process identity, resources, providers and feature
// flags, then emits one structured event summarising the cold-start state.
type StartupLogger struct {
	name         string
	commitHash   string
	initDuration time.Duration

	s3Buckets    map[string]string
	dynamoTables map[string]string
	ssmParams    map[string]string
	providers    map[string]string
	features     map[string]bool
	config       map[string]string
}

// NewStartupLogger creates a StartupLogger for the named binary
// (e.g. "batch-lambda").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:         name,
		s3Buckets:    make(map[string]string),
		dynamoTables: make(map[string]string),
		ssmParams:    make(map[string]string),
		providers:    make(map[string]string),
		features:     make(map[string]bool),
		config:       make(map[string]string),
	}
}

// CommitHash sets the git commit baked into the binary at build time.
func (s *StartupLogger) CommitHash(hash string) *StartupLogger {
	s.commitHash = hash
	return s
}

// S3Bucket registers an S3 bucket used by this process.
func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	s.s3Buckets[label] = name
	return s
}

// DynamoTable registers a DynamoDB table used by this process.
func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	s.dynamoTables[label] = name
	return s
}

// SSMParam registers an SSM parameter path. Only the path is logged, never
// the value.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	s.ssmParams[label] = path
	return s
}

// Provider registers a configured provider and its rate-limit class.
func (s *StartupLogger) Provider(name, class string) *StartupLogger {
	s.providers[name] = class
	return s
}

// Feature registers a boolean feature flag.
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long initialization took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the named environment variable, or defaultVal if it
// is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits a single INFO event with everything collected.
func (s *StartupLogger) Log() {
	evt := log.Info()

	identity := zerolog.Dict().
		Str("name", s.name).
		Str("function_name", os.Getenv("AWS_LAMBDA_FUNCTION_NAME")).
		Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
		Str("region", os.Getenv("AWS_REGION")).
		Str("memory_mb", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE")).
		Str("go_version", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("log_level", os.Getenv(LevelEnv))
	if s.commitHash != "" {
		identity = identity.Str("commit_hash", s.commitHash)
	}
	evt = evt.Dict("process", identity)

	resources := zerolog.Dict()
	hasResources := false
	for label, m := range map[string]map[string]string{
		"s3_buckets":    s.s3Buckets,
		"dynamo_tables": s.dynamoTables,
		"ssm_params":    s.ssmParams,
	} {
		if len(m) > 0 {
			resources = resources.Dict(label, dictFromMap(m))
			hasResources = true
		}
	}
	if hasResources {
		evt = evt.Dict("resources", resources)
	}

	if len(s.providers) > 0 {
		evt = evt.Dict("providers", dictFromMap(s.providers))
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("init_duration", s.initDuration)
	}

	evt.Msg("Startup complete")
}

func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
