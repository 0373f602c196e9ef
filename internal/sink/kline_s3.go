package sink

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "quantbridge/config"
	"quantbridge/logger"
	"quantbridge/models"
)

type klineParquetRecord struct {
	Platform string  `parquet:"name=platform, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol   string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Interval string  `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open     float64 `parquet:"name=open, type=DOUBLE"`
	High     float64 `parquet:"name=high, type=DOUBLE"`
	Low      float64 `parquet:"name=low, type=DOUBLE"`
	Close    float64 `parquet:"name=close, type=DOUBLE"`
	Volume   float64 `parquet:"name=volume, type=DOUBLE"`
}

type klineBatch struct {
	Platform    string
	Symbol      string
	Interval    string
	Bars        []models.Kline
	Timestamp   time.Time
	Reason      string
	RecordCount int
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// KlineS3Sink archives finalized bars to S3 as parquet files, hive
// partitioned by platform, symbol, interval and date.
type KlineS3Sink struct {
	cfg      *appconfig.Config
	bars     <-chan models.Kline
	s3Client *s3.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	log *logger.Log

	mu          sync.Mutex
	buffer      map[string][]models.Kline
	flushTicker *time.Ticker
	maxBuffer   int
	jobCh       chan klineBatch
	running     bool
}

// NewKlineS3Sink creates the archive sink. Returns an error when S3
// storage is disabled or credentials cannot be resolved.
func NewKlineS3Sink(cfg *appconfig.Config, bars <-chan models.Kline) (*KlineS3Sink, error) {
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}
	if bars == nil {
		return nil, fmt.Errorf("nil bar channel provided")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	maxBuffer := cfg.Storage.S3.BatchSize
	if maxBuffer <= 0 {
		maxBuffer = 256
	}

	jobCapacity := maxBuffer * 2
	if jobCapacity < 64 {
		jobCapacity = 64
	}

	return &KlineS3Sink{
		cfg:       cfg,
		bars:      bars,
		s3Client:  s3Client,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		buffer:    make(map[string][]models.Kline),
		maxBuffer: maxBuffer,
		jobCh:     make(chan klineBatch, jobCapacity),
	}, nil
}

func (s *KlineS3Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("kline s3 sink already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.buffer = make(map[string][]models.Kline)
	flushInterval := s.cfg.Storage.S3.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	s.flushTicker = time.NewTicker(flushInterval)
	s.mu.Unlock()

	s.log.WithComponent("kline_s3_sink").WithFields(logger.Fields{
		"bucket":         s.cfg.Storage.S3.Bucket,
		"flush_interval": flushInterval,
		"max_buffer":     s.maxBuffer,
	}).Info("starting kline s3 sink")

	s.wg.Add(1)
	go s.ingest()

	s.wg.Add(1)
	go s.flushLoop()

	s.wg.Add(1)
	go s.uploadWorker()

	return nil
}

func (s *KlineS3Sink) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	ticker := s.flushTicker
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}

	s.flushBuffers("shutdown")
	close(s.jobCh)
	s.wg.Wait()
	s.log.WithComponent("kline_s3_sink").Info("kline s3 sink stopped")
}

func (s *KlineS3Sink) ingest() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case bar, ok := <-s.bars:
			if !ok {
				s.flushBuffers("channel_closed")
				return
			}
			if !bar.Closed {
				continue // only finalized bars are archived
			}
			s.addBar(bar)
		}
	}
}

func (s *KlineS3Sink) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushTicker.C:
			s.flushBuffers("interval")
		}
	}
}

func (s *KlineS3Sink) uploadWorker() {
	defer s.wg.Done()
	for batch := range s.jobCh {
		s.processBatch(batch)
	}
}

func (s *KlineS3Sink) addBar(bar models.Kline) {
	key := bufferKey(bar.Platform, bar.Symbol, bar.Interval)

	var flushBars []models.Kline
	s.mu.Lock()
	s.buffer[key] = append(s.buffer[key], bar)
	if len(s.buffer[key]) >= s.maxBuffer {
		flushBars = s.buffer[key]
		delete(s.buffer, key)
	}
	s.mu.Unlock()

	if len(flushBars) > 0 {
		s.enqueueBatch(key, flushBars, "max_buffer")
	}
}

func (s *KlineS3Sink) flushBuffers(reason string) {
	s.mu.Lock()
	buffers := s.buffer
	s.buffer = make(map[string][]models.Kline)
	s.mu.Unlock()

	for key, bars := range buffers {
		if len(bars) == 0 {
			continue
		}
		s.enqueueBatch(key, bars, reason)
	}
}

func (s *KlineS3Sink) enqueueBatch(key string, bars []models.Kline, reason string) {
	batch := makeBatch(key, bars, reason)
	select {
	case s.jobCh <- batch:
	case <-s.ctx.Done():
	}
}

func makeBatch(key string, bars []models.Kline, reason string) klineBatch {
	parts := strings.SplitN(key, "|", 3)
	platform, symbol, interval := parts[0], "", ""
	if len(parts) > 1 {
		symbol = parts[1]
	}
	if len(parts) > 2 {
		interval = parts[2]
	}
	ts := time.Now().UTC()
	if len(bars) > 0 && !bars[len(bars)-1].OpenTime.IsZero() {
		ts = bars[len(bars)-1].OpenTime
	}
	return klineBatch{
		Platform:    platform,
		Symbol:      symbol,
		Interval:    interval,
		Bars:        bars,
		Timestamp:   ts,
		Reason:      reason,
		RecordCount: len(bars),
	}
}

func bufferKey(platform, symbol, interval string) string {
	return strings.Join([]string{
		strings.ToLower(platform),
		strings.ToUpper(symbol),
		strings.ToLower(interval),
	}, "|")
}

func (s *KlineS3Sink) processBatch(batch klineBatch) {
	entryLog := s.log.WithComponent("kline_s3_sink").WithFields(logger.Fields{
		"platform":     batch.Platform,
		"symbol":       batch.Symbol,
		"interval":     batch.Interval,
		"record_count": batch.RecordCount,
		"reason":       batch.Reason,
	})

	if batch.RecordCount == 0 {
		return
	}

	key := generateS3Key(batch)
	data, size, err := createParquet(batch)
	if err != nil {
		entryLog.WithError(err).Error("failed to create kline parquet")
		return
	}

	if err := s.uploadToS3(key, data); err != nil {
		entryLog.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload kline parquet")
		return
	}

	entryLog.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": size,
	}).Info("kline batch uploaded")
}

func createParquet(batch klineBatch) ([]byte, int64, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(klineParquetRecord), 1)
	if err != nil {
		return nil, 0, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, bar := range batch.Bars {
		record := klineParquetRecord{
			Platform: bar.Platform,
			Symbol:   bar.Symbol,
			Interval: bar.Interval,
			OpenTime: bar.OpenTime.UnixMilli(),
			Open:     bar.Open.InexactFloat64(),
			High:     bar.High.InexactFloat64(),
			Low:      bar.Low.InexactFloat64(),
			Close:    bar.Close.InexactFloat64(),
			Volume:   bar.Volume.InexactFloat64(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("write kline record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("finalize kline parquet: %w", err)
	}

	data := mem.Bytes()
	return data, int64(len(data)), nil
}

func generateS3Key(batch klineBatch) string {
	datePart := batch.Timestamp.UTC().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s_%s.parquet",
		strings.ToLower(batch.Platform),
		strings.ToUpper(batch.Symbol),
		time.Now().UTC().Format("20060102150405")+uuid.NewString(),
	)
	key := filepath.Join(
		fmt.Sprintf("platform=%s", strings.ToLower(batch.Platform)),
		fmt.Sprintf("symbol=%s", strings.ToUpper(batch.Symbol)),
		fmt.Sprintf("interval=%s", strings.ToLower(batch.Interval)),
		fmt.Sprintf("date=%s", datePart),
		filename,
	)
	return filepath.ToSlash(key)
}

func (s *KlineS3Sink) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload kline parquet: %w", err)
	}
	return nil
}
