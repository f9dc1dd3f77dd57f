package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"featureStream/internal/domain"
)

var candleHeader = []string{"open_time", "timestamp", "open", "high", "low", "close", "volume"}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func candleRecord(c domain.Candle) []string {
	return []string{
		c.OpenTime.UTC().Format(time.RFC3339),
		strconv.FormatInt(c.Key(), 10),
		formatFloat(c.Open),
		formatFloat(c.High),
		formatFloat(c.Low),
		formatFloat(c.Close),
		formatFloat(c.Volume),
	}
}

// WriteCandles writes candles as CSV with a header row.
func WriteCandles(w io.Writer, candles []domain.Candle) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(candleHeader); err != nil {
		return err
	}
	for _, c := range candles {
		if err := writer.Write(candleRecord(c)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteFeatureRows writes rows as CSV: the candle columns followed by one
// column per feature, sorted by name. Missing or NaN values are left empty.
func WriteFeatureRows(w io.Writer, rows []domain.FeatureRow) error {
	names := domain.FeatureNamesOf(rows)

	writer := csv.NewWriter(w)
	header := append(append([]string(nil), candleHeader...), names...)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		record := candleRecord(r.Candle)
		for _, name := range names {
			v, ok := r.Features[name]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, formatFloat(v))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteFile creates filename (and its directory) and hands it to write.
func WriteFile(filename string, write func(io.Writer) error) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
