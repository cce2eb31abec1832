// Package config provides configuration loading for the Node Agent.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"os"
)

// DefaultAdditionalFeatures is the devcontainer feature set injected into
// workspaces that do not already declare their own .devcontainer config.
const DefaultAdditionalFeatures = `{"ghcr.io/devcontainers/features/common-utils:2":{}}`

// Config holds all configuration values for the Node Agent.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Control plane settings
	ControlPlaneURL string
	JWKSEndpoint    string

	// JWT settings
	JWTAudience string
	JWTIssuer   string

	// Identity settings
	NodeID        string
	ProjectID     string
	ChatSessionID string
	TaskID        string

	// Workspace settings
	WorkspaceID        string
	CallbackToken      string
	BootstrapToken     string
	Repository         string
	Branch             string
	WorkspaceDir       string
	BootstrapStatePath string
	BootstrapMaxWait   time.Duration
	BootstrapTimeout   time.Duration

	// Devcontainer build settings
	AdditionalFeatures            string
	DefaultDevcontainerConfigPath string
	DefaultDevcontainerImage      string

	// Session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	SessionMaxCount        int
	CookieName             string
	CookieSecure           bool

	// Heartbeat settings
	HeartbeatInterval time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// PTY settings
	DefaultShell         string
	DefaultRows          int
	DefaultCols          int
	PTYOutputBufferSize  int
	PTYOrphanGracePeriod time.Duration

	// ACP settings
	ACPInitTimeoutMs      int
	ACPReconnectDelayMs   int
	ACPReconnectTimeoutMs int
	ACPMaxRestartAttempts int
	ACPMessageBufferSize  int
	ACPViewerSendBuffer   int
	ACPPromptTimeout      time.Duration
	ACPPromptCancelGrace  time.Duration
	ACPPingInterval       time.Duration
	ACPPongTimeout        time.Duration

	// Log streaming settings
	LogReaderTimeout      time.Duration
	LogStreamPingInterval time.Duration
	LogStreamPongTimeout  time.Duration

	// Persistence settings
	PersistenceDBPath string
	DiskMountPath     string

	// Docker/exec timeouts
	DockerListTimeout  time.Duration
	DockerStatsTimeout time.Duration
	DockerTimeout      time.Duration

	// File browsing limits
	FileExecTimeout  time.Duration
	FileFindMaxEntries int
	FileFindTimeout    time.Duration
	FileListMaxEntries int
	FileListTimeout    time.Duration
	FileMaxSize        int64

	// Git operation settings
	GitExecTimeout time.Duration
	GitFileMaxSize int64

	// Event/worktree retention limits
	MaxNodeEvents            int
	MaxWorkspaceEvents        int
	MaxWorktreesPerWorkspace  int
	WorktreeExecTimeout       time.Duration

	// System info collection
	SysInfoCacheTTL        time.Duration
	SysInfoDockerTimeout   time.Duration
	SysInfoVersionTimeout  time.Duration

	// Error/message outbox reporting
	ErrorReportFlushInterval time.Duration
	ErrorReportHTTPTimeout   time.Duration
	ErrorReportMaxBatchSize  int
	ErrorReportMaxQueueSize  int

	// Container settings - exec into devcontainer instead of host shell
	ContainerMode       bool
	ContainerUser       string
	ContainerWorkDir    string
	ContainerLabelKey   string
	ContainerLabelValue string
	ContainerCacheTTL   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	controlPlaneURL := getEnv("CONTROL_PLANE_URL", "")
	repository := getEnv("REPOSITORY", "")

	workspaceDir := getEnv("WORKSPACE_DIR", "")
	if workspaceDir == "" {
		workspaceBaseDir := getEnv("WORKSPACE_BASE_DIR", "/workspace")
		workspaceDir = deriveWorkspaceDir(workspaceBaseDir, repository)
	}

	containerLabelValue := getEnv("CONTAINER_LABEL_VALUE", "")
	if containerLabelValue == "" {
		// The devcontainer CLI labels containers with the local folder path used for --workspace-folder.
		containerLabelValue = workspaceDir
	}

	containerWorkDir := getEnv("CONTAINER_WORK_DIR", "")
	if containerWorkDir == "" {
		// Devcontainers mount the workspace under /workspaces/<foldername> by default, where <foldername>
		// matches the basename of the local folder passed to --workspace-folder.
		containerWorkDir = deriveContainerWorkDir(workspaceDir)
	}

	cfg := &Config{
		// Default values
		Port:           getEnvInt("NODE_AGENT_PORT", 8080),
		Host:           getEnv("NODE_AGENT_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil), // Parsed from comma-separated list

		ControlPlaneURL: controlPlaneURL,
		JWKSEndpoint:    getEnv("JWKS_ENDPOINT", ""),

		// JWT settings - the issuer is derived from control plane URL by default
		JWTAudience: getEnv("JWT_AUDIENCE", "workspace-terminal"),
		JWTIssuer:   getEnv("JWT_ISSUER", ""), // Will be derived from ControlPlaneURL if not set

		NodeID:        getEnv("NODE_ID", ""),
		ProjectID:     getEnv("PROJECT_ID", ""),
		ChatSessionID: getEnv("CHAT_SESSION_ID", ""),
		TaskID:        getEnv("TASK_ID", ""),

		WorkspaceID:        getEnv("WORKSPACE_ID", ""),
		CallbackToken:      getEnv("CALLBACK_TOKEN", ""),
		BootstrapToken:     getEnv("BOOTSTRAP_TOKEN", ""),
		Repository:         repository,
		Branch:             getEnv("BRANCH", "main"),
		WorkspaceDir:       workspaceDir,
		BootstrapStatePath: getEnv("BOOTSTRAP_STATE_PATH", "/var/lib/node-agent/bootstrap-state.json"),
		BootstrapMaxWait:   getEnvDuration("BOOTSTRAP_MAX_WAIT", 5*time.Minute),
		BootstrapTimeout:   getEnvDuration("BOOTSTRAP_TIMEOUT", 15*time.Minute),

		AdditionalFeatures:            getEnv("ADDITIONAL_FEATURES", DefaultAdditionalFeatures),
		DefaultDevcontainerConfigPath: getEnv("DEFAULT_DEVCONTAINER_CONFIG_PATH", ".devcontainer/devcontainer.json"),
		DefaultDevcontainerImage:      getEnv("DEFAULT_DEVCONTAINER_IMAGE", "mcr.microsoft.com/devcontainers/universal:2"),

		SessionTTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		SessionMaxCount:        getEnvInt("SESSION_MAX_COUNT", 100),
		CookieName:             getEnv("COOKIE_NAME", "vm_session"),
		CookieSecure:           getEnvBool("COOKIE_SECURE", true),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),

		// HTTP server timeouts - configurable per constitution
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		// WebSocket buffer sizes - configurable per constitution
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		DefaultShell:         getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:          getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:          getEnvInt("DEFAULT_COLS", 80),
		PTYOutputBufferSize:  getEnvInt("PTY_OUTPUT_BUFFER_SIZE", 64*1024),
		PTYOrphanGracePeriod: time.Duration(getEnvInt("PTY_ORPHAN_GRACE_PERIOD", 0)) * time.Second,

		// ACP settings - configurable per constitution principle XI
		ACPInitTimeoutMs:      getEnvInt("ACP_INIT_TIMEOUT_MS", 30000),
		ACPReconnectDelayMs:   getEnvInt("ACP_RECONNECT_DELAY_MS", 2000),
		ACPReconnectTimeoutMs: getEnvInt("ACP_RECONNECT_TIMEOUT_MS", 30000),
		ACPMaxRestartAttempts: getEnvInt("ACP_MAX_RESTART_ATTEMPTS", 3),
		ACPMessageBufferSize:  getEnvInt("ACP_MESSAGE_BUFFER_SIZE", 500),
		ACPViewerSendBuffer:   getEnvInt("ACP_VIEWER_SEND_BUFFER", 64),
		ACPPromptTimeout:      getEnvDuration("ACP_PROMPT_TIMEOUT", 10*time.Minute),
		ACPPromptCancelGrace:  getEnvDuration("ACP_PROMPT_CANCEL_GRACE", 5*time.Second),
		ACPPingInterval:       getEnvDuration("ACP_PING_INTERVAL", 30*time.Second),
		ACPPongTimeout:        getEnvDuration("ACP_PONG_TIMEOUT", 60*time.Second),

		LogReaderTimeout:      getEnvDuration("LOG_READER_TIMEOUT", 10*time.Second),
		LogStreamPingInterval: getEnvDuration("LOG_STREAM_PING_INTERVAL", 30*time.Second),
		LogStreamPongTimeout:  getEnvDuration("LOG_STREAM_PONG_TIMEOUT", 60*time.Second),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", "/var/lib/node-agent/node-agent.db"),
		DiskMountPath:     getEnv("DISK_MOUNT_PATH", "/"),

		DockerListTimeout:  getEnvDuration("DOCKER_LIST_TIMEOUT", 5*time.Second),
		DockerStatsTimeout: getEnvDuration("DOCKER_STATS_TIMEOUT", 5*time.Second),
		DockerTimeout:      getEnvDuration("DOCKER_TIMEOUT", 10*time.Second),

		FileExecTimeout:    getEnvDuration("FILE_EXEC_TIMEOUT", 10*time.Second),
		FileFindMaxEntries: getEnvInt("FILE_FIND_MAX_ENTRIES", 2000),
		FileFindTimeout:    getEnvDuration("FILE_FIND_TIMEOUT", 10*time.Second),
		FileListMaxEntries: getEnvInt("FILE_LIST_MAX_ENTRIES", 2000),
		FileListTimeout:    getEnvDuration("FILE_LIST_TIMEOUT", 10*time.Second),
		FileMaxSize:        int64(getEnvInt("FILE_MAX_SIZE", 10*1024*1024)),

		GitExecTimeout: getEnvDuration("GIT_EXEC_TIMEOUT", 30*time.Second),
		GitFileMaxSize: int64(getEnvInt("GIT_FILE_MAX_SIZE", 10*1024*1024)),

		MaxNodeEvents:            getEnvInt("MAX_NODE_EVENTS", 500),
		MaxWorkspaceEvents:       getEnvInt("MAX_WORKSPACE_EVENTS", 500),
		MaxWorktreesPerWorkspace: getEnvInt("MAX_WORKTREES_PER_WORKSPACE", 20),
		WorktreeExecTimeout:      getEnvDuration("WORKTREE_EXEC_TIMEOUT", 30*time.Second),

		SysInfoCacheTTL:       getEnvDuration("SYSINFO_CACHE_TTL", 5*time.Second),
		SysInfoDockerTimeout:  getEnvDuration("SYSINFO_DOCKER_TIMEOUT", 5*time.Second),
		SysInfoVersionTimeout: getEnvDuration("SYSINFO_VERSION_TIMEOUT", 5*time.Second),

		ErrorReportFlushInterval: getEnvDuration("ERROR_REPORT_FLUSH_INTERVAL", 5*time.Second),
		ErrorReportHTTPTimeout:   getEnvDuration("ERROR_REPORT_HTTP_TIMEOUT", 10*time.Second),
		ErrorReportMaxBatchSize:  getEnvInt("ERROR_REPORT_MAX_BATCH_SIZE", 50),
		ErrorReportMaxQueueSize:  getEnvInt("ERROR_REPORT_MAX_QUEUE_SIZE", 5000),

		ContainerMode:       getEnvBool("CONTAINER_MODE", true),
		ContainerUser:       getEnv("CONTAINER_USER", ""),
		ContainerWorkDir:    containerWorkDir,
		ContainerLabelKey:   getEnv("CONTAINER_LABEL_KEY", "devcontainer.local_folder"),
		ContainerLabelValue: containerLabelValue,
		ContainerCacheTTL:   getEnvDuration("CONTAINER_CACHE_TTL", 30*time.Second),
	}

	// Validate required fields
	if cfg.ControlPlaneURL == "" {
		return nil, fmt.Errorf("CONTROL_PLANE_URL is required")
	}

	// Derive JWKS endpoint if not set
	if cfg.JWKSEndpoint == "" {
		cfg.JWKSEndpoint = cfg.ControlPlaneURL + "/.well-known/jwks.json"
	}

	// Derive JWT issuer from control plane URL if not explicitly set
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = cfg.ControlPlaneURL
	}

	// Derive allowed origins from control plane URL if not explicitly set
	if len(cfg.AllowedOrigins) == 0 {
		// Extract base domain from control plane URL to allow workspace subdomains
		// e.g., https://api.example.com -> allow *.example.com
		baseDomain := DeriveBaseDomain(cfg.ControlPlaneURL)
		cfg.AllowedOrigins = []string{
			cfg.ControlPlaneURL,
			"https://*." + baseDomain,
		}
	}

	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("WORKSPACE_ID is required")
	}

	return cfg, nil
}

// BuildSAMEnvFallback builds the SAM_* environment variables injected into
// workspace containers that predate native project env var propagation.
func (cfg *Config) BuildSAMEnvFallback() []string {
	out := []string{
		"SAM_API_URL=" + cfg.ControlPlaneURL,
		"SAM_BRANCH=" + cfg.Branch,
		"SAM_NODE_ID=" + cfg.NodeID,
		"SAM_REPOSITORY=" + cfg.Repository,
		"SAM_WORKSPACE_ID=" + cfg.WorkspaceID,
		"SAM_WORKSPACE_URL=" + "https://ws-" + cfg.WorkspaceID + "." + DeriveBaseDomain(cfg.ControlPlaneURL),
	}
	if cfg.ProjectID != "" {
		out = append(out, "SAM_PROJECT_ID="+cfg.ProjectID)
	}
	if cfg.ChatSessionID != "" {
		out = append(out, "SAM_CHAT_SESSION_ID="+cfg.ChatSessionID)
	}
	if cfg.TaskID != "" {
		out = append(out, "SAM_TASK_ID="+cfg.TaskID)
	}
	return out
}

func deriveWorkspaceDir(workspaceBaseDir, repository string) string {
	baseDir := strings.TrimSpace(workspaceBaseDir)
	if baseDir == "" {
		baseDir = "/workspace"
	}

	repoDirName := DeriveRepoDirName(repository)
	if repoDirName == "" {
		// Preserve legacy behavior when the repo is unknown: a fixed base directory.
		return baseDir
	}

	return filepath.Join(baseDir, repoDirName)
}

func deriveContainerWorkDir(workspaceDir string) string {
	if strings.TrimSpace(workspaceDir) == "" {
		return "/workspaces"
	}
	base := filepath.Base(workspaceDir)
	if base == "" || base == "." || base == "/" {
		return "/workspaces"
	}
	return filepath.Join("/workspaces", base)
}

// DeriveRepoDirName extracts a filesystem-safe directory name from a
// repository reference, which may be an "owner/repo" shorthand or a full
// git URL.
func DeriveRepoDirName(repository string) string {
	repo := strings.TrimSpace(repository)
	if repo == "" {
		return ""
	}

	// Handle full URLs (https://github.com/org/repo.git).
	if strings.Contains(repo, "://") {
		if parsed, err := url.Parse(repo); err == nil {
			repo = parsed.Path
		}
	}

	repo = strings.Trim(repo, "/")
	if repo == "" {
		return ""
	}

	parts := strings.Split(repo, "/")
	name := parts[len(parts)-1]
	name = strings.TrimSuffix(name, ".git")
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	// Keep the name filesystem-safe. This is intentionally conservative.
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	safe := strings.Trim(b.String(), "-")
	return safe
}

// DeriveBaseDomain extracts the base domain from a control plane URL,
// stripping scheme, path, port, and a single leading "api." label so that
// nested subdomains (e.g. staging.example.com) are preserved.
func DeriveBaseDomain(controlPlaneURL string) string {
	host := controlPlaneURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")

	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	if strings.HasPrefix(host, "api.") {
		host = host[len("api."):]
	}

	return host
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
