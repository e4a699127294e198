package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrConnector   = "s3stream.connector"
	AttrPrefix      = "s3stream.prefix"
	AttrCursor      = "s3stream.cursor"
	AttrRecordCount = "s3stream.records"
	AttrObjectKey   = "aws.s3.key"
	AttrBucket      = "aws.s3.bucket"
	AttrKafkaTopic  = "messaging.kafka.topic"
)

// Span names.
const (
	SpanPoll         = "s3stream.poll"
	SpanPrefixPoll   = "s3stream.prefix.poll"
	SpanObject       = "s3stream.object"
	SpanCommit       = "s3stream.commit"
	SpanKafkaPublish = "kafka.publish"
)

// StartSpan starts a span on tracer. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func ConnectorAttr(name string) attribute.KeyValue {
	return attribute.String(AttrConnector, name)
}

func PrefixAttr(prefix string) attribute.KeyValue {
	return attribute.String(AttrPrefix, prefix)
}

func CursorAttr(cursor string) attribute.KeyValue {
	return attribute.String(AttrCursor, cursor)
}

func RecordCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrRecordCount, n)
}

func ObjectKeyAttr(key string) attribute.KeyValue {
	return attribute.String(AttrObjectKey, key)
}

func BucketAttr(bucket string) attribute.KeyValue {
	return attribute.String(AttrBucket, bucket)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}
