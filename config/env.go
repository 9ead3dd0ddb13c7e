package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Environment contains the imported environment variables.
type Environment struct {
	// Debug vs Deploy
	Mode string `default:"dev"`
	// Port to listen on
	Addr string `default:":4242"`

	// Base URL of the OpenAI-compatible model endpoint used for extraction,
	// reasoning, summarization and translation.  A Gemini endpoint in
	// OpenAI-compatibility mode works here as well.
	ModelAddr string `default:"https://api.openai.com/v1" split_words:"true"`
	// API key for the model endpoint
	ModelAPIKey string `split_words:"true"`
	// Chat model used for reasoning, summarization and translation
	ModelName string `default:"gpt-4o-mini" split_words:"true"`
	// Vision-capable model used for screenshot text extraction
	VisionModelName string `default:"gpt-4o-mini" split_words:"true"`
	// Transcription model used for audio extraction
	TranscribeModelName string `default:"whisper-1" split_words:"true"`

	// Google Safe Browsing endpoint and key for link reputation lookups
	SafeBrowsingAddr   string `default:"https://safebrowsing.googleapis.com/v4" split_words:"true"`
	SafeBrowsingAPIKey string `split_words:"true"`

	// External capability request timeout
	CapabilityTimeoutSec int `default:"30" split_words:"true"`

	// Intake queue request size
	IntakeQueueSize int `default:"100" split_words:"true"`
	// Use persisted queue or default (memory only) queue.
	IntakePersistedQueue bool `default:"false" split_words:"true"`
	// Directory to store the queue data in when persisted queue is used.
	IntakeQueueDir string `default:"./" split_words:"true"`
	// Name of queue when persisted queue is used.
	IntakeQueueName string `default:"intake_queue" split_words:"true"`
	// Maximum number of pipeline runs to execute in parallel
	Parallelism int `default:"2"`

	// Optional stage topology override, YAML file.  Empty uses the built-in
	// topology.
	TopologyPath string `split_words:"true"`
	// Default per-stage timeout, can be overridden per stage in the topology
	StageTimeoutSec int `default:"45" split_words:"true"`
	// Optional whole-run timeout, 0 disables it
	RunTimeoutSec int `default:"0" split_words:"true"`
	// Per-subscriber progress event buffer
	EventBufferSize int `default:"64" split_words:"true"`

	// Locale the summarization stage produces without translation
	DefaultLocale string `default:"en" split_words:"true"`
	// Locales the translation stage will accept
	SupportedLocales []string `default:"en,es,fr,de,hi,kn" split_words:"true"`

	// Path of the SQLite verdict history database
	VerdictDBPath string `default:"./triage.db" split_words:"true"`
	// Number of history rows used to warm the fingerprint cache on startup
	FingerprintWarmCount int `default:"500" split_words:"true"`
}

func (e Environment) String() string {
	settings, err := json.MarshalIndent(e, "", "    ")
	if err != nil {
		return fmt.Errorf("Failed to marshal env: %v", err).Error()
	}
	return fmt.Sprintf("Environment Settings:\n%s\n", string(settings))
}

// Load imports the environment variables and returns them in an Environment.
func Load(envFile string) (*Environment, error) {
	testEnv := os.Getenv("TRIAGE_MODE")
	// if no env var in existing environment, load environment file from the .env file,
	// otherwise (in production) just check existing host environment
	if "" == testEnv {
		err := godotenv.Load(envFile)
		if err != nil {
			return nil, errors.Wrapf(err, "Error loading %s file", envFile)
		}
	}

	var env Environment
	err := envconfig.Process("triage", &env)
	if err != nil {
		return nil, errors.Wrap(err, "Error processing environment config")
	}
	return &env, err
}
