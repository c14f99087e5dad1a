package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/volition/gcs-core/internal/infrastructure/logging"
	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
)

// deviceIDPlaceholder is substituted with the aircraft serial when a
// template's topics are resolved.
const deviceIDPlaceholder = "{device_id}"

// Template describes one callable device service.
type Template struct {
	// Method is the DJI service method name (e.g. drc_mode_enter).
	Method string `yaml:"method"`

	// Description is operator-facing documentation.
	Description string `yaml:"description,omitempty"`

	// TopicTemplate is the request topic with a {device_id}
	// placeholder. Empty means the standard services topic.
	TopicTemplate string `yaml:"topic_template,omitempty"`

	// ResponseTopic is the reply topic with a {device_id} placeholder.
	// Empty means the standard services_reply topic.
	ResponseTopic string `yaml:"response_topic,omitempty"`

	// RequiredParams lists parameter keys that must be present in the
	// call data after defaults are merged. Validation is key-presence
	// only; value shapes are the device's concern.
	RequiredParams []string `yaml:"required_params,omitempty"`

	// DefaultValues are merged under the caller's params when the
	// request data is built. Caller-supplied keys win.
	DefaultValues map[string]any `yaml:"default_values,omitempty"`

	// TimeoutSeconds overrides the caller's default reply deadline.
	// Zero means use the default.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// NoWait marks fire-and-forget services: the call returns as soon
	// as the request is published and any reply is handled by routing
	// only.
	NoWait bool `yaml:"no_wait,omitempty"`
}

// ReplyTimeout resolves the effective reply deadline for this template.
func (t Template) ReplyTimeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return fallback
}

// RequestTopic resolves the topic this template publishes to for the
// given aircraft.
func (t Template) RequestTopic(deviceID string) string {
	if t.TopicTemplate == "" {
		return mqtt.Topics.Services(deviceID)
	}
	return strings.ReplaceAll(t.TopicTemplate, deviceIDPlaceholder, deviceID)
}

// ReplyTopic resolves the topic this template's reply arrives on.
func (t Template) ReplyTopic(deviceID string) string {
	if t.ResponseTopic == "" {
		return mqtt.Topics.ServicesReply(deviceID)
	}
	return strings.ReplaceAll(t.ResponseTopic, deviceIDPlaceholder, deviceID)
}

// BuildData merges the template's default values under the caller's
// params. Caller-supplied keys win; neither input map is mutated.
func (t Template) BuildData(params map[string]any) map[string]any {
	if len(t.DefaultValues) == 0 {
		return params
	}
	data := make(map[string]any, len(t.DefaultValues)+len(params))
	for k, v := range t.DefaultValues {
		data[k] = v
	}
	for k, v := range params {
		data[k] = v
	}
	return data
}

// catalogFile is the on-disk catalog shape.
type catalogFile struct {
	Services []Template `yaml:"services"`
}

// Catalog holds the service templates, loaded from YAML in the
// background so startup is not serialized behind disk I/O.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]Template
	ready     bool
	loadErr   error
	readyCh   chan struct{}
}

// NewCatalog creates an empty, not-yet-ready catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		templates: make(map[string]Template),
		readyCh:   make(chan struct{}),
	}
}

// LoadFile starts loading templates from path in the background.
// Lookup returns ErrCatalogNotReady until the load completes; use
// WaitReady to block on it.
func (c *Catalog) LoadFile(path string, logger *logging.Logger) {
	go func() {
		templates, err := readCatalog(path)

		c.mu.Lock()
		c.loadErr = err
		if err == nil {
			c.templates = templates
		}
		if !c.ready {
			c.ready = true
			close(c.readyCh)
		}
		c.mu.Unlock()

		if logger == nil {
			return
		}
		if err != nil {
			logger.Error("service catalog load failed", "path", path, "error", err)
			return
		}
		logger.Info("service catalog loaded", "path", path, "services", len(templates))
	}()
}

// LoadTemplates installs templates directly, bypassing disk. Used in
// tests and for built-in defaults.
func (c *Catalog) LoadTemplates(templates []Template) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range templates {
		c.templates[t.Method] = t
	}
	if !c.ready {
		c.ready = true
		close(c.readyCh)
	}
}

// readCatalog parses the YAML catalog file.
func readCatalog(path string) (map[string]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	templates := make(map[string]Template, len(file.Services))
	for _, t := range file.Services {
		if t.Method == "" {
			return nil, fmt.Errorf("catalog entry missing method")
		}
		templates[t.Method] = t
	}
	return templates, nil
}

// Ready reports whether the catalog load has completed (successfully
// or not).
func (c *Catalog) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// WaitReady blocks until the catalog load completes or ctx expires.
func (c *Catalog) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the template for a method.
func (c *Catalog) Lookup(method string) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.ready {
		return Template{}, ErrCatalogNotReady
	}
	t, ok := c.templates[method]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownService, method)
	}
	return t, nil
}

// Methods returns all known method names.
func (c *Catalog) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	methods := make([]string, 0, len(c.templates))
	for m := range c.templates {
		methods = append(methods, m)
	}
	return methods
}
