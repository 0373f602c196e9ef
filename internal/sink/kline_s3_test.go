package sink

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantbridge/models"
)

func testBar(openTime time.Time) models.Kline {
	return models.Kline{
		Platform: "binance",
		Symbol:   "BTCUSDT",
		Interval: "1m",
		Open:     decimal.NewFromInt(100),
		High:     decimal.NewFromInt(110),
		Low:      decimal.NewFromInt(95),
		Close:    decimal.NewFromInt(105),
		Volume:   decimal.NewFromInt(12),
		OpenTime: openTime,
		Closed:   true,
	}
}

func TestMakeBatchSplitsKey(t *testing.T) {
	openTime := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	key := bufferKey("binance", "btcusdt", "1M")
	batch := makeBatch(key, []models.Kline{testBar(openTime)}, "interval")

	if batch.Platform != "binance" || batch.Symbol != "BTCUSDT" || batch.Interval != "1m" {
		t.Fatalf("unexpected batch identity: %+v", batch)
	}
	if batch.RecordCount != 1 {
		t.Fatalf("expected record count 1, got %d", batch.RecordCount)
	}
	if !batch.Timestamp.Equal(openTime) {
		t.Fatalf("expected batch stamped with last bar open time, got %v", batch.Timestamp)
	}
}

func TestGenerateS3KeyPartitions(t *testing.T) {
	openTime := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	batch := makeBatch(bufferKey("binance", "BTCUSDT", "1m"), []models.Kline{testBar(openTime)}, "interval")

	key := generateS3Key(batch)
	for _, part := range []string{
		"platform=binance/",
		"symbol=BTCUSDT/",
		"interval=1m/",
		"date=2026-08-31/",
	} {
		if !strings.Contains(key, part) {
			t.Fatalf("key %q missing partition %q", key, part)
		}
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("key %q missing parquet suffix", key)
	}
}

func TestCreateParquetProducesData(t *testing.T) {
	openTime := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	bars := []models.Kline{
		testBar(openTime),
		testBar(openTime.Add(time.Minute)),
	}
	batch := makeBatch(bufferKey("binance", "BTCUSDT", "1m"), bars, "max_buffer")

	data, size, err := createParquet(batch)
	if err != nil {
		t.Fatalf("create parquet failed: %v", err)
	}
	if size == 0 || int64(len(data)) != size {
		t.Fatalf("inconsistent parquet size: %d vs %d bytes", size, len(data))
	}
	// Parquet files start and end with the magic bytes PAR1.
	if !strings.HasPrefix(string(data), "PAR1") || !strings.HasSuffix(string(data), "PAR1") {
		t.Fatalf("output is not a parquet file")
	}
}
