package config

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config aggregates every runtime knob for the media service. Values load
// from a YAML file selected by CONFIG_PATH or -config, with environment
// variables taking precedence over file contents.
type Config struct {
	Env        string        `yaml:"env" env:"CLIPFORGE_ENV" env-default:"production"`
	HTTPServer HTTPServer    `yaml:"http_server"`
	Log        Log           `yaml:"log"`
	Media      Media         `yaml:"media"`
	Upload     Upload        `yaml:"upload"`
	Merge      Merge         `yaml:"merge"`
	Streaming  Streaming     `yaml:"streaming"`
	Storage    Storage       `yaml:"storage"`
	Objects    ObjectStorage `yaml:"object_storage"`
	RateLimit  RateLimit     `yaml:"rate_limit"`
	Auth       Auth          `yaml:"auth"`
	Migration  Migration     `yaml:"migration"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" env:"CLIPFORGE_ADDR" env-default:"localhost:8080"`
	TLSCertFile     string        `yaml:"tls_cert_file" env:"CLIPFORGE_TLS_CERT"`
	TLSKeyFile      string        `yaml:"tls_key_file" env:"CLIPFORGE_TLS_KEY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CLIPFORGE_SHUTDOWN_TIMEOUT" env-default:"10s"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"CLIPFORGE_ALLOWED_ORIGINS" env-default:""`
}

type Log struct {
	Level  string `yaml:"level" env:"CLIPFORGE_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"CLIPFORGE_LOG_FORMAT" env-default:"json"`
}

type Media struct {
	// Root is the directory holding chunk spool files, merge scratch space,
	// and published asset payloads.
	Root             string   `yaml:"root" env:"CLIPFORGE_MEDIA_ROOT" env-default:"./data/media"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types" env:"CLIPFORGE_ALLOWED_MIME_TYPES" env-default:"video/mp4,video/quicktime,video/webm"`
	FFmpegPath       string   `yaml:"ffmpeg_path" env:"CLIPFORGE_FFMPEG_PATH" env-default:"ffmpeg"`
	FFprobePath      string   `yaml:"ffprobe_path" env:"CLIPFORGE_FFPROBE_PATH" env-default:"ffprobe"`
}

type Upload struct {
	SessionTTL    time.Duration `yaml:"session_ttl" env:"CLIPFORGE_SESSION_TTL" env-default:"24h"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"CLIPFORGE_SWEEP_INTERVAL" env-default:"5m"`
	MaxChunkSize  int64         `yaml:"max_chunk_size" env:"CLIPFORGE_MAX_CHUNK_SIZE" env-default:"8388608"`
	MaxTotalSize  int64         `yaml:"max_total_size" env:"CLIPFORGE_MAX_TOTAL_SIZE" env-default:"2147483648"`
}

type Merge struct {
	// Workers of zero means one worker per available CPU core.
	Workers           int           `yaml:"workers" env:"CLIPFORGE_MERGE_WORKERS" env-default:"0"`
	QueueDepth        int           `yaml:"queue_depth" env:"CLIPFORGE_MERGE_QUEUE_DEPTH" env-default:"16"`
	Timeout           time.Duration `yaml:"timeout" env:"CLIPFORGE_MERGE_TIMEOUT" env-default:"10m"`
	DurationTolerance time.Duration `yaml:"duration_tolerance" env:"CLIPFORGE_DURATION_TOLERANCE" env-default:"150ms"`
}

type Streaming struct {
	SignedURLSecret string        `yaml:"signed_url_secret" env:"CLIPFORGE_SIGNED_URL_SECRET" env-default:""`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl" env:"CLIPFORGE_SIGNED_URL_TTL" env-default:"15m"`
	PublicBaseURL   string        `yaml:"public_base_url" env:"CLIPFORGE_PUBLIC_BASE_URL" env-default:""`
}

type Storage struct {
	Driver   string   `yaml:"driver" env:"CLIPFORGE_STORAGE_DRIVER" env-default:"json"`
	DataPath string   `yaml:"data_path" env:"CLIPFORGE_DATA_PATH" env-default:"./data/clipforge.json"`
	Postgres Postgres `yaml:"postgres"`
}

type Postgres struct {
	DSN             string        `yaml:"dsn" env:"CLIPFORGE_POSTGRES_DSN"`
	MaxConns        int32         `yaml:"max_conns" env:"CLIPFORGE_POSTGRES_MAX_CONNS" env-default:"0"`
	MinConns        int32         `yaml:"min_conns" env:"CLIPFORGE_POSTGRES_MIN_CONNS" env-default:"0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"CLIPFORGE_POSTGRES_MAX_CONN_LIFETIME" env-default:"0"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"CLIPFORGE_POSTGRES_CONNECT_TIMEOUT" env-default:"0"`
	ApplicationName string        `yaml:"application_name" env:"CLIPFORGE_POSTGRES_APP_NAME" env-default:"clipforge"`
}

type ObjectStorage struct {
	Endpoint  string `yaml:"endpoint" env:"CLIPFORGE_OBJECT_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"CLIPFORGE_OBJECT_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"CLIPFORGE_OBJECT_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"CLIPFORGE_OBJECT_BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"CLIPFORGE_OBJECT_USE_SSL" env-default:"false"`
}

type RateLimit struct {
	GlobalRPS     float64       `yaml:"global_rps" env:"CLIPFORGE_RATE_GLOBAL_RPS" env-default:"0"`
	GlobalBurst   int           `yaml:"global_burst" env:"CLIPFORGE_RATE_GLOBAL_BURST" env-default:"0"`
	ChunkLimit    int           `yaml:"chunk_limit" env:"CLIPFORGE_RATE_CHUNK_LIMIT" env-default:"0"`
	ChunkWindow   time.Duration `yaml:"chunk_window" env:"CLIPFORGE_RATE_CHUNK_WINDOW" env-default:"1m"`
	RedisAddr     string        `yaml:"redis_addr" env:"CLIPFORGE_RATE_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"CLIPFORGE_RATE_REDIS_PASSWORD"`
	RedisTimeout  time.Duration `yaml:"redis_timeout" env:"CLIPFORGE_RATE_REDIS_TIMEOUT" env-default:"2s"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret" env:"CLIPFORGE_JWT_SECRET" env-default:""`
}

type Migration struct {
	// BlobRoot points at a mounted device export with <deviceID>/<blobID>
	// files. Empty disables the migration endpoint and CLI.
	BlobRoot  string `yaml:"blob_root" env:"CLIPFORGE_MIGRATION_BLOB_ROOT" env-default:""`
	ChunkSize int64  `yaml:"chunk_size" env:"CLIPFORGE_MIGRATION_CHUNK_SIZE" env-default:"4194304"`
}

// MustLoad reads the configuration or exits the process. A missing config
// file is only fatal when a path was explicitly requested; otherwise the
// environment alone supplies the configuration.
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		pathFlag := flag.String("config", "", "path to config file")
		flag.Parse()
		configPath = *pathFlag
	}

	var cfg Config
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Fatalf("config file does not exist at path: %s", configPath)
		}
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			log.Fatalf("failed to read config: %s", err)
		}
		return &cfg
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to read config from environment: %s", err)
	}
	return &cfg
}
