package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/bindef/pkg/layout"
)

// BindefProcessor is a Benthos processor that decodes binary data into
// structured messages, or encodes structured messages back to binary, using
// declarative layout files.
type BindefProcessor struct {
	config       BindefConfig
	engineMap    sync.Map // cache of compiled engines keyed by layout path
	logger       *service.Logger
	mDecoded     *service.MetricCounter
	mEncoded     *service.MetricCounter
	mErrors      *service.MetricCounter
	mCacheHits   *service.MetricCounter
	mCacheMisses *service.MetricCounter
}

// BindefConfig contains configuration parameters for the bindef processor.
type BindefConfig struct {
	LayoutPath string `json:"layout_path" yaml:"layout_path"`
	IsDecoder  bool   `json:"is_decoder" yaml:"is_decoder"`
}

func init() {
	err := service.RegisterProcessor(
		"bindef",
		bindefProcessorConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			return newBindefProcessorFromConfig(conf, mgr)
		},
	)
	if err != nil {
		panic(err)
	}
}

// bindefProcessorConfig returns a config spec for a bindef processor.
func bindefProcessorConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Decodes or encodes binary data using declarative layout definitions without code generation.").
		Description("This processor runs a layout file in either direction: binary payloads become structured messages, or structured messages are encoded back to the exact binary representation.").
		Field(service.NewStringField("layout_path").
			Description("Path to the layout (.bdl.yaml) file.").
			Example("./layouts/my_format.bdl.yaml")).
		Field(service.NewBoolField("is_decoder").
			Description("Whether this processor decodes binary to structured data (true) or encodes structured data to binary (false).").
			Default(true)).
		Version("0.1.0")
}

// newBindefProcessorFromConfig creates a new BindefProcessor from a parsed config.
func newBindefProcessorFromConfig(conf *service.ParsedConfig, mgr *service.Resources) (*BindefProcessor, error) {
	layoutPath, err := conf.FieldString("layout_path")
	if err != nil {
		return nil, err
	}

	isDecoder, err := conf.FieldBool("is_decoder")
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(layoutPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("layout file not found at path: %s", layoutPath)
	}

	metrics := mgr.Metrics()

	return &BindefProcessor{
		config:       BindefConfig{LayoutPath: layoutPath, IsDecoder: isDecoder},
		logger:       mgr.Logger(),
		mDecoded:     metrics.NewCounter("bindef_decoded_messages"),
		mEncoded:     metrics.NewCounter("bindef_encoded_messages"),
		mErrors:      metrics.NewCounter("bindef_processing_errors"),
		mCacheHits:   metrics.NewCounter("bindef_layout_cache_hits"),
		mCacheMisses: metrics.NewCounter("bindef_layout_cache_misses"),
	}, nil
}

// Process applies layout decoding or encoding to a message.
func (b *BindefProcessor) Process(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	if b.config.IsDecoder {
		return b.decodeBinary(ctx, msg)
	}
	return b.encodeToBinary(ctx, msg)
}

// decodeBinary decodes binary data into a structured message.
func (b *BindefProcessor) decodeBinary(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	b.logger.Debug("Decoding binary data with layout")

	binData, err := msg.AsBytes()
	if err != nil {
		b.logger.Errorf("Failed to get binary data from message: %v", err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to get binary data from message: %w", err))
		return service.MessageBatch{msg}, nil
	}

	if len(binData) == 0 {
		b.logger.Warn("Empty binary data provided")
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("empty binary data provided"))
		return service.MessageBatch{msg}, nil
	}

	eng, err := b.loadEngine(b.config.LayoutPath)
	if err != nil {
		b.logger.Errorf("Failed to load layout: %v", err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to load layout: %w", err))
		return service.MessageBatch{msg}, nil
	}

	decoded, err := eng.Decode(ctx, binData)
	if err != nil {
		b.logger.Errorf("Failed to decode binary data of size %d bytes: %v", len(binData), err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to decode binary data of size %d bytes: %w", len(binData), err))
		return service.MessageBatch{msg}, nil
	}

	b.logger.Debugf("Successfully decoded %d bytes of binary data", len(binData))
	b.mDecoded.Incr(1)

	newMsg := service.NewMessage(nil)
	newMsg.SetStructured(decoded.ToMap())

	msg.MetaWalk(func(key, value string) error {
		newMsg.MetaSet(key, value)
		return nil
	})

	return service.MessageBatch{newMsg}, nil
}

// encodeToBinary encodes a structured message back to binary.
func (b *BindefProcessor) encodeToBinary(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	b.logger.Debug("Encoding structured data to binary with layout")

	structData, err := msg.AsStructured()
	if err != nil {
		b.logger.Errorf("Failed to get structured data from message: %v", err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to get structured data from message: %w", err))
		return service.MessageBatch{msg}, nil
	}

	values, ok := structData.(map[string]any)
	if !ok {
		b.logger.Errorf("Structured data is %T, expected an object", structData)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("structured data is %T, expected an object", structData))
		return service.MessageBatch{msg}, nil
	}

	eng, err := b.loadEngine(b.config.LayoutPath)
	if err != nil {
		b.logger.Errorf("Failed to load layout: %v", err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to load layout: %w", err))
		return service.MessageBatch{msg}, nil
	}

	binData, err := eng.EncodeMap(ctx, values)
	if err != nil {
		b.logger.Errorf("Failed to encode data: %v", err)
		b.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("failed to encode data: %w", err))
		return service.MessageBatch{msg}, nil
	}

	b.logger.Debugf("Successfully encoded data to %d bytes of binary data", len(binData))
	b.mEncoded.Incr(1)

	newMsg := service.NewMessage(binData)

	msg.MetaWalk(func(key, value string) error {
		newMsg.MetaSet(key, value)
		return nil
	})

	return service.MessageBatch{newMsg}, nil
}

// loadEngine loads, compiles, and caches a layout file.
func (b *BindefProcessor) loadEngine(path string) (*layout.Engine, error) {
	if cached, ok := b.engineMap.Load(path); ok {
		b.logger.Tracef("Layout cache hit for path: %s", path)
		b.mCacheHits.Incr(1)
		return cached.(*layout.Engine), nil
	}

	b.logger.Debugf("Loading layout from path: %s", path)
	b.mCacheMisses.Incr(1)

	l, err := layout.LoadLayout(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load layout file: %w", err)
	}
	root, err := l.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile layout: %w", err)
	}
	eng := layout.NewEngine(root, nil)

	b.engineMap.Store(path, eng)
	b.logger.Debugf("Loaded and cached layout from: %s", path)

	return eng, nil
}

// Close the processor resources
func (b *BindefProcessor) Close(ctx context.Context) error {
	b.logger.Debug("Closing bindef processor and clearing layout cache")
	b.engineMap = sync.Map{}
	return nil
}

func main() {
	service.RunCLI(context.Background())
}
