package config

const (
	defaultStorageDir           = "~/.local/share/pdxseg/storage"
	defaultLogDir               = "~/.local/share/pdxseg/logs"
	defaultAPIBind              = "127.0.0.1:7490"
	defaultInferenceBackend     = "intensity"
	defaultClassifierWeights    = "classifier_resnet50"
	defaultSegmenterWeights     = "segmenter_r2udensenet"
	defaultInferenceTimeout     = 120
	defaultClassifierRows       = 224
	defaultClassifierCols       = 224
	defaultSegmenterRows        = 256
	defaultSegmenterCols        = 256
	defaultIntensityCutoff      = 0.6
	defaultMinPositiveFraction  = 0.002
	defaultThreshold            = 0.5
	defaultClassifyWorkers      = 4
	defaultMaxConcurrentJobs    = 2
	defaultNotifyRequestTimeout = 10
	defaultPruneSchedule        = "30 3 * * *"
	defaultDerivedRetentionDays = 14
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	storageDirEnv               = "PDXSEG_STORAGE_DIR"
	inferenceURLEnv             = "PDXSEG_INFERENCE_URL"
	inferenceBackendIntensity   = "intensity"
	inferenceBackendHTTP        = "http"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StorageDir: defaultStorageDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Inference: Inference{
			Backend:             defaultInferenceBackend,
			ClassifierWeights:   defaultClassifierWeights,
			SegmenterWeights:    defaultSegmenterWeights,
			TimeoutSeconds:      defaultInferenceTimeout,
			ClassifierRows:      defaultClassifierRows,
			ClassifierCols:      defaultClassifierCols,
			SegmenterRows:       defaultSegmenterRows,
			SegmenterCols:       defaultSegmenterCols,
			IntensityCutoff:     defaultIntensityCutoff,
			MinPositiveFraction: defaultMinPositiveFraction,
		},
		Pipeline: Pipeline{
			DefaultThreshold: defaultThreshold,
			ClassifyWorkers:  defaultClassifyWorkers,
		},
		Workflow: Workflow{
			MaxConcurrentJobs: defaultMaxConcurrentJobs,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			JobCompleted:   true,
			JobFailed:      true,
		},
		Maintenance: Maintenance{
			PruneSchedule:        defaultPruneSchedule,
			DerivedRetentionDays: defaultDerivedRetentionDays,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
