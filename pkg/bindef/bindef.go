package bindef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twinfer/bindef/pkg/layout"
)

// Codec wraps layout loading, decoding, and encoding with caching and
// configuration.
type Codec struct {
	engineCache map[string]*cachedEngine
	cacheMutex  sync.RWMutex
	logger      *slog.Logger
	options     options
}

type cachedEngine struct {
	engine   *layout.Engine
	loadedAt time.Time
}

// options holds configuration for the codec
type options struct {
	rootType      string
	logger        *slog.Logger
	enableCaching bool
	cacheTimeout  time.Duration
	debugMode     bool
}

// Option is a function that configures codec options
type Option func(*options)

// WithRootType selects a named type from the layout's types as the root
// (defaults to the layout's top-level seq)
func WithRootType(rootType string) Option {
	return func(o *options) {
		o.rootType = rootType
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCaching enables compiled-layout caching with the specified timeout
func WithCaching(timeout time.Duration) Option {
	return func(o *options) {
		o.enableCaching = true
		o.cacheTimeout = timeout
	}
}

// WithDebugMode enables debug logging
func WithDebugMode(enabled bool) Option {
	return func(o *options) {
		o.debugMode = enabled
	}
}

// defaultOptions returns the default configuration
func defaultOptions() options {
	return options{
		logger:        slog.Default(),
		enableCaching: true,
		cacheTimeout:  5 * time.Minute,
		debugMode:     false,
	}
}

// Global codec instance for convenience functions
var globalCodec *Codec
var globalCodecOnce sync.Once

func getGlobalCodec() *Codec {
	globalCodecOnce.Do(func() {
		globalCodec = NewCodec()
	})
	return globalCodec
}

// NewCodec creates a new codec instance with the given options
func NewCodec(opts ...Option) *Codec {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if options.debugMode {
		options.logger = options.logger.With("debug", true)
	}

	return &Codec{
		engineCache: make(map[string]*cachedEngine),
		logger:      options.logger,
		options:     options,
	}
}

// DecodeBinary decodes binary data using the layout file at layoutPath and
// returns the result as a map.
func DecodeBinary(data []byte, layoutPath string, opts ...Option) (map[string]any, error) {
	return getGlobalCodec().DecodeBinary(context.Background(), data, layoutPath, opts...)
}

// DecodeBinaryWithContext decodes binary data with a context.
func DecodeBinaryWithContext(ctx context.Context, data []byte, layoutPath string, opts ...Option) (map[string]any, error) {
	return getGlobalCodec().DecodeBinary(ctx, data, layoutPath, opts...)
}

// DecodeToJSON decodes binary data and renders the result as indented JSON.
func DecodeToJSON(data []byte, layoutPath string, opts ...Option) ([]byte, error) {
	return getGlobalCodec().DecodeToJSON(context.Background(), data, layoutPath, opts...)
}

// DecodeToJSONWithContext decodes binary data to JSON with a context.
func DecodeToJSONWithContext(ctx context.Context, data []byte, layoutPath string, opts ...Option) ([]byte, error) {
	return getGlobalCodec().DecodeToJSON(ctx, data, layoutPath, opts...)
}

// EncodeFromJSON converts JSON data back to binary format.
func EncodeFromJSON(jsonData []byte, layoutPath string, opts ...Option) ([]byte, error) {
	return getGlobalCodec().EncodeFromJSON(context.Background(), jsonData, layoutPath, opts...)
}

// EncodeFromJSONWithContext converts JSON data back to binary with a context.
func EncodeFromJSONWithContext(ctx context.Context, jsonData []byte, layoutPath string, opts ...Option) ([]byte, error) {
	return getGlobalCodec().EncodeFromJSON(ctx, jsonData, layoutPath, opts...)
}

// ValidateLayout checks that a layout file parses and compiles.
func ValidateLayout(layoutPath string) error {
	return getGlobalCodec().ValidateLayout(layoutPath)
}

// DecodeBinary decodes binary data using the layout file at layoutPath.
func (c *Codec) DecodeBinary(ctx context.Context, data []byte, layoutPath string, opts ...Option) (map[string]any, error) {
	eng, err := c.loadEngine(layoutPath, opts...)
	if err != nil {
		return nil, err
	}

	result, err := eng.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("decoding data: %w", err)
	}

	m, ok := result.ToMap().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("layout %s decodes to a list, not a map", layoutPath)
	}
	return m, nil
}

// DecodeToJSON decodes binary data and renders the result as indented JSON.
func (c *Codec) DecodeToJSON(ctx context.Context, data []byte, layoutPath string, opts ...Option) ([]byte, error) {
	result, err := c.DecodeBinary(ctx, data, layoutPath, opts...)
	if err != nil {
		return nil, err
	}

	jsonData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling to JSON: %w", err)
	}
	return jsonData, nil
}

// EncodeFromJSON converts JSON data back to binary format.
func (c *Codec) EncodeFromJSON(ctx context.Context, jsonData []byte, layoutPath string, opts ...Option) ([]byte, error) {
	eng, err := c.loadEngine(layoutPath, opts...)
	if err != nil {
		return nil, err
	}

	var values map[string]any
	if err := json.Unmarshal(jsonData, &values); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}

	out, err := eng.EncodeMap(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("encoding data: %w", err)
	}
	return out, nil
}

// Encode serializes a decoded context back to binary.
func (c *Codec) Encode(ctx context.Context, decoded *layout.Context, layoutPath string, opts ...Option) ([]byte, error) {
	eng, err := c.loadEngine(layoutPath, opts...)
	if err != nil {
		return nil, err
	}
	out, err := eng.Encode(ctx, decoded)
	if err != nil {
		return nil, fmt.Errorf("encoding data: %w", err)
	}
	return out, nil
}

// VerifyRoundTrip decodes data and re-encodes the result, failing when the
// bytes differ. Layouts that pass cover their input completely.
func (c *Codec) VerifyRoundTrip(ctx context.Context, data []byte, layoutPath string, opts ...Option) error {
	eng, err := c.loadEngine(layoutPath, opts...)
	if err != nil {
		return err
	}
	_, out, err := eng.RoundTrip(ctx, data)
	if err != nil {
		return err
	}
	if !bytes.Equal(data, out) {
		return fmt.Errorf("layout %s is lossy: %d input bytes, %d re-encoded", layoutPath, len(data), len(out))
	}
	return nil
}

// ValidateLayout checks that a layout file parses and compiles.
func (c *Codec) ValidateLayout(layoutPath string) error {
	l, err := layout.LoadLayout(layoutPath)
	if err != nil {
		return err
	}
	if _, err := l.Compile(); err != nil {
		return err
	}
	return nil
}

// loadEngine loads and compiles a layout file with caching support.
func (c *Codec) loadEngine(layoutPath string, opts ...Option) (*layout.Engine, error) {
	options := c.options
	for _, opt := range opts {
		opt(&options)
	}

	cacheKey := layoutPath + "\x00" + options.rootType
	if options.enableCaching {
		c.cacheMutex.RLock()
		cached, exists := c.engineCache[cacheKey]
		c.cacheMutex.RUnlock()
		if exists && time.Since(cached.loadedAt) < options.cacheTimeout {
			return cached.engine, nil
		}
	}

	l, err := layout.LoadLayout(layoutPath)
	if err != nil {
		return nil, fmt.Errorf("loading layout: %w", err)
	}
	root, err := l.CompileType(options.rootType)
	if err != nil {
		return nil, fmt.Errorf("compiling layout: %w", err)
	}
	eng := layout.NewEngine(root, c.logger)

	if options.enableCaching {
		c.cacheMutex.Lock()
		c.engineCache[cacheKey] = &cachedEngine{engine: eng, loadedAt: time.Now()}
		c.cacheMutex.Unlock()
	}
	return eng, nil
}

// ClearCache clears the compiled-layout cache
func (c *Codec) ClearCache() {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()
	c.engineCache = make(map[string]*cachedEngine)
}
