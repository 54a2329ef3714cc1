// Package archive mirrors collected funding points to S3 as parquet files.
// The archiver is best-effort: the database write is the source of truth and
// a full buffer drops records rather than blocking collection.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"fundingflow/config"
	"fundingflow/logger"
)

// Record is one collected funding point flattened for archival.
type Record struct {
	Exchange  string
	Base      string
	Quote     string
	Timestamp time.Time
	Rate      string
	Source    string
}

// Sink accepts records for archival. Enqueue never blocks; it reports
// whether the record was accepted.
type Sink interface {
	Enqueue(Record) bool
}

type parquetRow struct {
	Exchange  string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Base      string `parquet:"name=base_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quote     string `parquet:"name=quote_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=ts, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Rate      string `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source    string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Archiver buffers records and flushes them to S3 on a timer, one parquet
// object per exchange per flush.
type Archiver struct {
	cfg    config.ArchiveConfig
	s3     *s3.Client
	buffer chan Record

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Log
}

var _ Sink = (*Archiver)(nil)

func New(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	size := cfg.BufferSize
	if size <= 0 {
		size = 10000
	}

	a := &Archiver{
		cfg:    cfg,
		s3:     client,
		buffer: make(chan Record, size),
		log:    logger.GetLogger(),
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":         cfg.S3.Bucket,
		"flush_interval": cfg.FlushInterval.String(),
		"buffer_size":    size,
	}).Info("archiver initialized")

	return a, nil
}

// Enqueue offers a record to the buffer. A full buffer drops the record and
// bumps the drop counter.
func (a *Archiver) Enqueue(r Record) bool {
	select {
	case a.buffer <- r:
		return true
	default:
		logger.IncrementArchiveDrop(1)
		return false
	}
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushLoop(runCtx)

	a.log.WithComponent("archiver").Info("archiver started")
	return nil
}

// Stop drains the buffer with a final flush before returning.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()

	a.flush(context.Background())
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) flushLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Archiver) flush(ctx context.Context) {
	byExchange := make(map[string][]Record)
	for {
		select {
		case r := <-a.buffer:
			byExchange[r.Exchange] = append(byExchange[r.Exchange], r)
		default:
			goto drained
		}
	}
drained:
	if len(byExchange) == 0 {
		return
	}

	log := a.log.WithComponent("archiver")
	for exchange, records := range byExchange {
		data, err := a.encode(records)
		if err != nil {
			log.WithFields(logger.Fields{"exchange": exchange}).WithError(err).Error("failed to encode parquet file")
			logger.IncrementArchiveDrop(len(records))
			continue
		}

		key := a.objectKey(exchange, records[0].Timestamp)
		if err := a.upload(ctx, key, data); err != nil {
			log.WithFields(logger.Fields{"exchange": exchange, "key": key}).WithError(err).Error("failed to upload archive, requeueing")
			// put the records back for the next flush; a full buffer drops
			for _, r := range records {
				a.Enqueue(r)
			}
			continue
		}

		logger.IncrementArchiveFlush()
		log.WithFields(logger.Fields{
			"exchange": exchange,
			"key":      key,
			"records":  len(records),
			"bytes":    len(data),
		}).Info("archive flushed")
	}
}

func (a *Archiver) encode(records []Record) ([]byte, error) {
	buf := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(buf, new(parquetRow), 2)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(a.cfg.Compression)

	for _, r := range records {
		row := parquetRow{
			Exchange:  r.Exchange,
			Base:      r.Base,
			Quote:     r.Quote,
			Timestamp: r.Timestamp.UnixMilli(),
			Rate:      r.Rate,
			Source:    r.Source,
		}
		if err := pw.Write(row); err != nil {
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return buf.Bytes(), nil
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

func (a *Archiver) objectKey(exchange string, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("funding/%s/%s/funding-%s.parquet",
		exchange, ts.Format("2006-01-02"), time.Now().UTC().Format("20060102T150405.000Z"))
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}
