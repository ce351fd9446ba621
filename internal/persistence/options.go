package persistence

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPageSize          = 128
	DefaultStreamHeadTimeout = 30 * time.Second
	tracerName               = "github.com/snowflk/commitdb/internal/persistence"
)

// Options configures an Engine.
type Options struct {
	Serializer Serializer
	Codec      CodecOptions

	CheckpointStrategy CheckpointStrategy
	// CheckpointGenerator replaces the generator chosen by CheckpointStrategy.
	CheckpointGenerator CheckpointGenerator

	// FillHoles writes a placeholder commit at a checkpoint that was allocated for a
	// commit rejected by a stream conflict.
	FillHoles bool
	// DisableSnapshots makes every snapshot operation fail with ErrSnapshotsDisabled.
	DisableSnapshots bool

	// PageSize bounds the number of documents read per backend round trip.
	PageSize int
	// StreamHeadTimeout bounds a background stream head update.
	StreamHeadTimeout time.Duration

	Logger *log.Entry
	Tracer trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.Serializer == nil {
		o.Serializer = JSONSerializer{}
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.StreamHeadTimeout <= 0 {
		o.StreamHeadTimeout = DefaultStreamHeadTimeout
	}
	if o.Logger == nil {
		o.Logger = log.WithField("component", "persistence")
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}
