package storage

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
)

// Constructor builds an unconnected adapter. Connect receives the configuration.
type Constructor func(deps Deps) interfaces.Adapter

// Deps are the shared dependencies handed to every adapter constructor.
type Deps struct {
	Log        *slog.Logger
	HTTPClient *http.Client
}

var constructors = map[string]Constructor{
	"aws":          newS3Constructor(awsFlavor),
	"gcp":          newS3Constructor(gcpFlavor),
	"alibaba":      newS3Constructor(alibabaFlavor),
	"ibm":          newS3Constructor(ibmFlavor),
	"digitalocean": newS3Constructor(digitalOceanFlavor),
	"oracle":       newS3Constructor(oracleFlavor),
	"cloudflare":   newS3Constructor(cloudflareFlavor),
	"s3":           newS3Constructor(genericS3Flavor),
	"azure":        func(d Deps) interfaces.Adapter { return NewAzureAdapter(d) },
	"cloudinary":   func(d Deps) interfaces.Adapter { return NewCloudinaryAdapter(d) },
	"ipfs":         func(d Deps) interfaces.Adapter { return NewIPFSAdapter(d) },
	"local":        func(d Deps) interfaces.Adapter { return NewFileAdapter(d) },
	"memory":       func(d Deps) interfaces.Adapter { return NewMemoryAdapter(d) },
}

// Factory creates adapters by driver name. It implements interfaces.AdapterFactory.
type Factory struct {
	log        *slog.Logger
	httpClient *http.Client
}

// NewFactory creates a factory whose REST-based adapters share one HTTP client.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{
		log:        log,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// AdapterFor returns an unconnected adapter for cfg.Driver.
func (f *Factory) AdapterFor(cfg interfaces.BackendConfig) (interfaces.Adapter, error) {
	c, ok := constructors[strings.ToLower(cfg.Driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	f.log.Debug("Creating adapter",
		slog.String("backend", cfg.Name),
		slog.String("driver", cfg.Driver))

	return c(Deps{
		Log:        f.log.With("backend", cfg.Name),
		HTTPClient: f.httpClient,
	}), nil
}

// Drivers returns the supported driver names, sorted.
func Drivers() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckDrivers fails on the first backend whose driver is not supported.
func CheckDrivers(backends []interfaces.BackendConfig) error {
	for _, b := range backends {
		if _, ok := constructors[strings.ToLower(b.Driver)]; !ok {
			return interfaces.Validationf("backend %q uses unsupported driver %q (supported: %s)",
				b.Name, b.Driver, strings.Join(Drivers(), ", "))
		}
	}
	return nil
}
