package config

var catalog = []struct {
	name    string
	display string
}{
	{"aws", "Amazon Web Services"},
	{"azure", "Microsoft Azure"},
	{"gcp", "Google Cloud Platform"},
	{"cloudinary", "Cloudinary"},
	{"alibaba", "Alibaba Cloud"},
	{"ibm", "IBM Cloud"},
	{"digitalocean", "DigitalOcean"},
	{"oracle", "Oracle Cloud Infrastructure"},
	{"cloudflare", "Cloudflare"},
	{"ipfs", "IPFS"},
	{"local", "Local Filesystem"},
	{"memory", "In-Memory"},
}

// DisplayName returns the human readable name of a well-known provider, or
// name itself.
func DisplayName(name string) string {
	for _, c := range catalog {
		if c.name == name {
			return c.display
		}
	}
	return name
}

func catalogRank(name string) int {
	for i, c := range catalog {
		if c.name == name {
			return i
		}
	}
	return len(catalog)
}

// DefaultAllowedExtensions is the upload extension allowlist used when the
// configuration does not set one.
var DefaultAllowedExtensions = []string{
	"jpg", "jpeg", "png", "gif", "svg", "webp",
	"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "csv", "json", "xml",
	"zip", "rar",
	"mp4", "avi", "mov", "wmv", "flv", "webm",
	"mp3", "wav", "flac", "aac", "ogg",
}

// Default returns the configuration every loaded file is decoded over.
func Default() *Config {
	return &Config{
		Default:          "aws",
		Providers:        map[string]ProviderConfig{},
		EnabledProviders: map[string]bool{},
		Settings: Settings{
			DefaultOptions: DefaultOptions{
				Visibility:   "private",
				CacheControl: "max-age=31536000",
			},
			Upload: UploadSettings{
				MaxFileSize:       10 * 1024 * 1024,
				AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
			},
			Cache: CacheSettings{
				Enabled: true,
				TTL:     3600,
				Prefix:  "multicloud",
				Size:    4096,
			},
			Logging: LoggingSettings{
				Enabled: true,
				Level:   "info",
			},
			Signing: SigningSettings{
				MinTTL: 60,
				MaxTTL: 7 * 24 * 3600,
			},
			Usage: UsageSettings{
				MaxParallel: 4,
				Timeout:     10,
			},
		},
		Fallback: FallbackConfig{
			Enabled: true,
			Providers: map[string][]string{
				"aws":          {"azure", "gcp"},
				"azure":        {"aws", "gcp"},
				"gcp":          {"aws", "azure"},
				"cloudinary":   {"aws", "azure"},
				"alibaba":      {"aws", "azure"},
				"ibm":          {"aws", "azure"},
				"digitalocean": {"aws", "azure"},
				"oracle":       {"aws", "azure"},
				"cloudflare":   {"aws", "azure"},
			},
			MaxRetries: 3,
			RetryDelay: 1000,
		},
	}
}
