package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults shared across services.
const (
	DefaultFrameBufferMaxLen = 100
	DefaultBatchSize         = 4
	DefaultBatchTimeout      = 20 * time.Millisecond
	DefaultCosineThreshold   = 0.72
	DefaultHistoryThreshold  = 0.74
	DefaultGateWindow        = 3600 * time.Second
	DefaultConsumeBlock      = 50 * time.Millisecond
)

// IngestorSettings configures the Stream Ingestor service.
type IngestorSettings struct {
	FrameBusURL       string
	FrameBufferMaxLen int
	CamerasConfig     string
	AllowedCIDRs      []string
	MetricsPort       int
}

// WorkerSettings configures the Inference Worker service.
type WorkerSettings struct {
	FrameBusURL       string
	EventLogURL       string
	FrameBufferMaxLen int
	BatchSize         int
	BatchTimeout      time.Duration
	DetectorURL       string
	EmbedderURL       string
	CamerasConfig     string
	ConsumerName      string
	DualBillingTopic  bool
	MetricsPort       int
}

// ResolverSettings configures the Identity Resolver service.
type ResolverSettings struct {
	EventLogURL      string
	SimSearchURL     string
	SimSearchAPIKey  string
	Collection       string
	CosineThreshold  float64
	HistoryThreshold float64
	GateWindow       time.Duration
	TravelTimesPath  string
	DualBillingTopic bool
	MetricsPort      int
}

func IngestorFromEnv() IngestorSettings {
	return IngestorSettings{
		FrameBusURL:       getEnv("FRAME_BUS_URL", "redis://localhost:6379"),
		FrameBufferMaxLen: getEnvInt("FRAME_BUFFER_MAXLEN", DefaultFrameBufferMaxLen),
		CamerasConfig:     getEnv("CAMERAS_CONFIG", "/etc/trinetra/cameras.yaml"),
		AllowedCIDRs:      splitNonEmpty(getEnv("RTSP_ALLOWED_CIDRS", "")),
		MetricsPort:       getEnvInt("METRICS_PORT", 8001),
	}
}

func WorkerFromEnv() WorkerSettings {
	host, _ := os.Hostname()
	return WorkerSettings{
		FrameBusURL:       getEnv("FRAME_BUS_URL", "redis://localhost:6379"),
		EventLogURL:       getEnv("EVENT_LOG_BOOTSTRAP", "localhost:4222"),
		FrameBufferMaxLen: getEnvInt("FRAME_BUFFER_MAXLEN", DefaultFrameBufferMaxLen),
		BatchSize:         getEnvInt("BATCH_SIZE", DefaultBatchSize),
		BatchTimeout:      time.Duration(getEnvInt("BATCH_TIMEOUT_MS", 20)) * time.Millisecond,
		DetectorURL:       getEnv("DETECTOR_URL", "http://localhost:8500"),
		EmbedderURL:       getEnv("EMBEDDER_URL", "http://localhost:8501"),
		CamerasConfig:     getEnv("CAMERAS_CONFIG", "/etc/trinetra/cameras.yaml"),
		ConsumerName:      getEnv("WORKER_NAME", "worker-"+host+"-"+strconv.Itoa(os.Getpid())),
		DualBillingTopic:  getEnvBool("DETECTIONS_DUAL_TOPIC", false),
		MetricsPort:       getEnvInt("METRICS_PORT", 8002),
	}
}

func ResolverFromEnv() ResolverSettings {
	return ResolverSettings{
		EventLogURL:      getEnv("EVENT_LOG_BOOTSTRAP", "localhost:4222"),
		SimSearchURL:     getEnv("SIM_SEARCH_URL", "http://localhost:6333"),
		SimSearchAPIKey:  getEnv("SIM_SEARCH_API_KEY", ""),
		Collection:       getEnv("SIM_SEARCH_COLLECTION", "face_embeddings"),
		CosineThreshold:  getEnvFloat("COSINE_THRESHOLD", DefaultCosineThreshold),
		HistoryThreshold: getEnvFloat("HISTORY_THRESHOLD", DefaultHistoryThreshold),
		GateWindow:       time.Duration(getEnvInt("TEMPORAL_GATE_WINDOW_S", 3600)) * time.Second,
		TravelTimesPath:  getEnv("TRAVEL_TIMES_CONFIG", "/etc/trinetra/travel_times.yaml"),
		DualBillingTopic: getEnvBool("DETECTIONS_DUAL_TOPIC", false),
		MetricsPort:      getEnvInt("METRICS_PORT", 8003),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
