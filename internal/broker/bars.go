package broker

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const csvTimeLayout = "2006-01-02 15:04:05"

// LoadCSV reads an OHLC series from a CSV file with a header row containing
// DATE_TIME, OPEN, HIGH, LOW and CLOSE columns (case-insensitive). Rows that
// fail to parse are skipped.
func (s *Simulated) LoadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open bars file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read bars header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"DATE_TIME", "OPEN", "HIGH", "LOW", "CLOSE"} {
		if _, ok := col[required]; !ok {
			return fmt.Errorf("bars file missing column %s", required)
		}
	}

	var bars []Bar
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		bar, err := parseBar(record, col)
		if err != nil {
			s.logger.Warn("Skipping malformed bar row")
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return fmt.Errorf("no usable bars in %s", path)
	}

	s.LoadBars(bars)
	return nil
}

func parseBar(record []string, col map[string]int) (Bar, error) {
	ts, err := time.Parse(csvTimeLayout, strings.TrimSpace(record[col["DATE_TIME"]]))
	if err != nil {
		return Bar{}, err
	}
	fields := [4]float64{}
	for i, name := range []string{"OPEN", "HIGH", "LOW", "CLOSE"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[col[name]]), 64)
		if err != nil {
			return Bar{}, err
		}
		fields[i] = v
	}
	return Bar{Time: ts.UTC(), Open: fields[0], High: fields[1], Low: fields[2], Close: fields[3]}, nil
}
